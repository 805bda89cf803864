package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/skatepark/internal/connectors"
	"github.com/fentz26/skatepark/internal/models"
	"github.com/fentz26/skatepark/internal/store"
)

// Environment variables injected into every child.
const (
	EnvRunID   = "GT_CLOUD_STRUCTURE_RUN_ID"
	EnvBaseURL = "GT_CLOUD_BASE_URL"
)

// CreateRunRequest carries per-run arguments and environment overrides.
type CreateRunRequest struct {
	Args []string          `json:"args"`
	Env  map[string]string `json:"env"`
}

// CreateRun launches a run's process and records the run as QUEUED. The
// record becomes visible only once the launch has settled: if the process
// cannot be started nothing is recorded and ErrLaunch is returned, and a
// launch that exceeds the launch timeout is recorded as FAILED.
func (s *Service) CreateRun(ctx context.Context, structureID string, req CreateRunRequest) (models.Run, error) {
	st, err := s.GetStructure(structureID)
	if err != nil {
		return models.Run{}, err
	}

	run := models.Run{
		ID:          uuid.New().String(),
		StructureID: st.ID,
		Status:      models.RunStatusQueued,
		Args:        req.Args,
		Env:         req.Env,
		CreatedAt:   s.now(),
	}
	if run.Args == nil {
		run.Args = []string{}
	}
	if run.Env == nil {
		run.Env = map[string]string{}
	}

	slot, err := s.store.ReserveSlot(s.opts.MaxConcurrentRuns)
	if err != nil {
		if errors.Is(err, store.ErrCapacity) {
			return models.Run{}, fmt.Errorf("%w: %d runs already active", ErrCapacity, s.opts.MaxConcurrentRuns)
		}
		return models.Run{}, err
	}
	defer slot.Release()

	spec := connectors.LaunchSpec{
		Dir:         st.Directory,
		Interpreter: s.builder.Interpreter(st.Directory),
		Entry:       st.MainFile,
		Args:        run.Args,
		Env: mergeEnv(
			environMap(os.Environ()),
			st.Env,
			run.Env,
			map[string]string{EnvRunID: run.ID, EnvBaseURL: s.opts.BaseURL},
		),
		Timeout: s.opts.LaunchTimeout,
	}

	proc, err := s.launcher.Launch(ctx, spec)
	switch {
	case errors.Is(err, connectors.ErrLaunchTimeout):
		s.finish(&run, models.RunStatusFailed)
		run.Error = fmt.Sprintf("launch did not complete within %s", s.opts.LaunchTimeout)
		if err := s.store.InsertRun(run, nil, slot); err != nil {
			return models.Run{}, err
		}
		s.logger.WarnContext(ctx, "launch timed out", slog.String("run_id", run.ID))
		s.pdr.Record(ctx, "run.create", spec.Args, "timeout", run.ID, st.ID, run.Error)
		return run.Clone(), nil
	case err != nil:
		s.pdr.Record(ctx, "run.create", spec.Args, "failure", run.ID, st.ID, err.Error())
		return models.Run{}, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	if err := s.store.InsertRun(run, proc, slot); err != nil {
		_ = proc.Terminate(s.opts.KillGrace)
		return models.Run{}, err
	}
	run.PID = proc.Pid()

	s.logger.InfoContext(ctx, "run started",
		slog.String("run_id", run.ID), slog.String("structure_id", st.ID), slog.Int("pid", run.PID))
	s.pdr.Record(ctx, "run.create", spec.Args, "success", run.ID, st.ID, "")
	return run.Clone(), nil
}

// GetRun reconciles and returns a run.
func (s *Service) GetRun(ctx context.Context, id string) (models.Run, error) {
	return s.Reconcile(ctx, id)
}

// ListRuns reconciles and returns every run of a structure in creation order.
func (s *Service) ListRuns(ctx context.Context, structureID string) ([]models.Run, error) {
	if _, err := s.GetStructure(structureID); err != nil {
		return nil, err
	}
	return s.reconcileAll(ctx, s.store.ListRuns(structureID)), nil
}

// ListAllRuns reconciles and returns every run in creation order,
// including runs of structures that have since been removed.
func (s *Service) ListAllRuns(ctx context.Context) []models.Run {
	return s.reconcileAll(ctx, s.store.ListRuns(""))
}

func (s *Service) reconcileAll(ctx context.Context, runs []models.Run) []models.Run {
	for i, r := range runs {
		if r.Status.IsTerminal() {
			continue
		}
		if updated, err := s.Reconcile(ctx, r.ID); err == nil {
			runs[i] = updated
		}
	}
	return runs
}

// Reconcile folds the observed process state into the run. It never blocks
// on the child and never overrides a terminal status.
func (s *Service) Reconcile(ctx context.Context, id string) (models.Run, error) {
	var finished bool
	run, err := s.store.Update(id, func(r *models.Run, proc connectors.Process) error {
		if r.Status.IsTerminal() || proc == nil {
			return nil
		}

		status, exited := proc.Poll()
		if !exited {
			now := s.now()
			if r.Status == models.RunStatusQueued && now.Sub(r.CreatedAt) >= s.opts.SettleDelay {
				r.Status = models.RunStatusRunning
				r.StartedAt = &now
			}
			return nil
		}

		appendLogs(r, status)
		code := status.ExitCode
		r.ExitCode = &code
		if code == 0 && status.Err == nil {
			s.finish(r, models.RunStatusSucceeded)
		} else {
			s.finish(r, models.RunStatusFailed)
		}
		if status.Err != nil {
			r.Error = status.Err.Error()
		}
		if !status.ExitedAt.IsZero() {
			at := status.ExitedAt
			r.CompletedAt = &at
		}
		finished = true
		return nil
	})
	if err != nil {
		return models.Run{}, s.runError(id, err)
	}

	if finished {
		s.logger.InfoContext(ctx, "run finished",
			slog.String("run_id", id), slog.String("status", string(run.Status)), slog.Any("exit_code", run.ExitCode))
		s.pdr.Record(ctx, "run.finish", map[string]any{"status": run.Status, "exit_code": run.ExitCode}, "success", id, run.StructureID, "")
	}
	return run, nil
}

// ReconcileActive reconciles every non-terminal run and returns how many
// were examined.
func (s *Service) ReconcileActive(ctx context.Context) int {
	ids := s.store.ActiveRunIDs()
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Reconcile(ctx, id); err != nil {
			s.logger.DebugContext(ctx, "reconcile skipped", slog.String("run_id", id), slog.Any("error", err))
		}
	}
	return len(ids)
}

// CancelRun moves a run to CANCELLED and signals its process group.
func (s *Service) CancelRun(ctx context.Context, id string) (models.Run, error) {
	run, err := s.store.Update(id, func(r *models.Run, proc connectors.Process) error {
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: run is already %s", ErrInvalidTransition, r.Status)
		}
		s.cancel(ctx, r, proc)
		return nil
	})
	if err != nil {
		return models.Run{}, s.runError(id, err)
	}
	s.logger.InfoContext(ctx, "run cancelled", slog.String("run_id", id))
	s.pdr.Record(ctx, "run.cancel", map[string]string{"run_id": id}, "success", id, run.StructureID, "")
	return run, nil
}

// PatchRun applies a merge-patch. Only status and output may change, and
// a terminal run may not change at all.
func (s *Service) PatchRun(ctx context.Context, id string, patch map[string]any) (models.Run, error) {
	var target models.RunStatus
	for key, value := range patch {
		switch key {
		case "status":
			str, ok := value.(string)
			if !ok || !models.RunStatus(str).Valid() {
				return models.Run{}, fmt.Errorf("%w: invalid status %v", ErrValidation, value)
			}
			target = models.RunStatus(str)
		case "output":
		default:
			return models.Run{}, fmt.Errorf("%w: field %q is not patchable", ErrValidation, key)
		}
	}
	output, hasOutput := patch["output"]

	run, err := s.store.Update(id, func(r *models.Run, proc connectors.Process) error {
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: run is already %s", ErrInvalidTransition, r.Status)
		}
		if target != "" && target != r.Status && !models.CanTransition(r.Status, target) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, target)
		}

		if hasOutput {
			r.Output = output
		}
		switch {
		case target == "" || target == r.Status:
		case target == models.RunStatusCancelled:
			s.cancel(ctx, r, proc)
		case target == models.RunStatusRunning:
			now := s.now()
			r.Status = target
			r.StartedAt = &now
		default:
			s.finish(r, target)
		}
		return nil
	})
	if err != nil {
		return models.Run{}, s.runError(id, err)
	}

	s.pdr.Record(ctx, "run.patch", patch, "success", id, run.StructureID, "")
	return run, nil
}

// finish sets a terminal status. Callers hold the run lock and have
// checked the run is not terminal yet.
func (s *Service) finish(r *models.Run, status models.RunStatus) {
	now := s.now()
	r.Status = status
	r.CompletedAt = &now
}

func (s *Service) cancel(ctx context.Context, r *models.Run, proc connectors.Process) {
	s.finish(r, models.RunStatusCancelled)
	if proc == nil {
		return
	}
	if err := proc.Terminate(s.opts.KillGrace); err != nil {
		s.logger.WarnContext(ctx, "terminate failed", slog.String("run_id", r.ID), slog.Any("error", err))
	}
}

func (s *Service) runError(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return err
}

// appendLogs records the child's captured streams, stdout first.
func appendLogs(r *models.Run, status connectors.ExitStatus) {
	at := status.ExitedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if status.Stdout != "" {
		r.Logs = append(r.Logs, models.Log{Time: at, Stream: models.LogStreamStdout, Message: status.Stdout})
	}
	if status.Stderr != "" {
		r.Logs = append(r.Logs, models.Log{Time: at, Stream: models.LogStreamStderr, Message: status.Stderr})
	}
}

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// mergeEnv flattens layers into KEY=VALUE pairs; later layers win.
func mergeEnv(layers ...map[string]string) []string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
