// Package models defines the core domain types for skatepark.
package models

import "time"

// RunStatus represents the lifecycle state of a structure run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a run may move from one status to another.
// Status only moves forward; QUEUED may jump straight to a terminal state.
func CanTransition(from, to RunStatus) bool {
	if !to.Valid() {
		return false
	}
	switch from {
	case RunStatusQueued:
		return to != RunStatusQueued
	case RunStatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// Structure is a registered program: a directory, an entry file and a
// dependency manifest.
type Structure struct {
	ID               string            `json:"structure_id"`
	Directory        string            `json:"directory"`
	MainFile         string            `json:"main_file"`
	ConfigFile       string            `json:"structure_config_file,omitempty"`
	RequirementsFile string            `json:"requirements_file"`
	Env              map[string]string `json:"env"`
	CreatedAt        time.Time         `json:"created_at"`
	BuiltAt          *time.Time        `json:"built_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s Structure) Clone() Structure {
	out := s
	out.Env = cloneEnv(s.Env)
	if s.BuiltAt != nil {
		t := *s.BuiltAt
		out.BuiltAt = &t
	}
	return out
}

// Run is a single execution of a structure.
type Run struct {
	ID          string            `json:"structure_run_id"`
	StructureID string            `json:"structure_id"`
	Status      RunStatus         `json:"status"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	Output      any               `json:"output,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	PID         int               `json:"pid,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`

	// Events and Logs are served by their own endpoints.
	Events []Event `json:"-"`
	Logs   []Log   `json:"-"`
}

// Clone returns a deep-enough copy of r for handing out of a lock.
// Output and event values are treated as immutable once stored.
func (r Run) Clone() Run {
	out := r
	out.Args = append([]string(nil), r.Args...)
	out.Env = cloneEnv(r.Env)
	out.Events = append([]Event(nil), r.Events...)
	out.Logs = append([]Log(nil), r.Logs...)
	if r.ExitCode != nil {
		c := *r.ExitCode
		out.ExitCode = &c
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// EventTypeFinish is the event type that completes a run with output.
const EventTypeFinish = "FinishStructureRunEvent"

// Event is an application-reported event attached to a run.
type Event struct {
	ID    string         `json:"event_id"`
	Value map[string]any `json:"value"`
}

// Type returns the payload discriminator, or "" if absent.
func (e Event) Type() string {
	t, _ := e.Value["type"].(string)
	return t
}

// LogStream identifies which child stream a log line came from.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
)

// Log is a captured chunk of child output.
type Log struct {
	Time    time.Time `json:"time"`
	Stream  LogStream `json:"stream"`
	Message string    `json:"message"`
}

// StructureConfig is the on-disk structure_config file.
type StructureConfig struct {
	Version        string `yaml:"version"`
	Runtime        string `yaml:"runtime"`
	RuntimeVersion string `yaml:"runtime_version"`
	Build          struct {
		RequirementsFile string `yaml:"requirements_file"`
	} `yaml:"build"`
	Run struct {
		MainFile string `yaml:"main_file"`
	} `yaml:"run"`
}

// AuditRecord is a process decision record for a state-mutating action.
type AuditRecord struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	InputsHash  string    `json:"inputs_hash"`
	Outcome     string    `json:"outcome"`
	RunID       string    `json:"run_id,omitempty"`
	StructureID string    `json:"structure_id,omitempty"`
	Details     string    `json:"details,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func cloneEnv(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
