package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/fentz26/skatepark/internal/connectors"
	"github.com/fentz26/skatepark/internal/models"
)

// IngestEvents appends events to a run in the given order. A finish event
// sets the run's output and completes it unless the run is already
// terminal, in which case only the event itself is kept.
func (s *Service) IngestEvents(ctx context.Context, runID string, values []map[string]any) ([]models.Event, error) {
	events := make([]models.Event, len(values))
	for i, v := range values {
		if v == nil {
			v = map[string]any{}
		}
		events[i] = models.Event{ID: uuid.New().String(), Value: v}
	}

	var finished bool
	run, err := s.store.Update(runID, func(r *models.Run, _ connectors.Process) error {
		r.Events = append(r.Events, events...)
		for _, e := range events {
			if e.Type() != models.EventTypeFinish || r.Status.IsTerminal() {
				continue
			}
			r.Output = e.Value["output_task_output"]
			s.finish(r, models.RunStatusSucceeded)
			finished = true
		}
		return nil
	})
	if err != nil {
		return nil, s.runError(runID, err)
	}

	s.logger.DebugContext(ctx, "events ingested", slog.String("run_id", runID), slog.Int("count", len(events)))
	if finished {
		s.logger.InfoContext(ctx, "run finished by event", slog.String("run_id", runID))
		s.pdr.Record(ctx, "event.finish", map[string]string{"run_id": runID}, "success", runID, run.StructureID, "")
	}
	return events, nil
}

// ListEvents returns a run's events ordered by their embedded timestamp.
func (s *Service) ListEvents(ctx context.Context, runID string) ([]models.Event, error) {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return nil, s.runError(runID, err)
	}
	SortEvents(run.Events)
	return run.Events, nil
}

// ListLogs returns a run's captured output in capture order.
func (s *Service) ListLogs(ctx context.Context, runID string) ([]models.Log, error) {
	run, err := s.Reconcile(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Logs, nil
}

// SortEvents orders events by value["timestamp"]. The sort is stable;
// numeric timestamps sort before string ones and events without a
// timestamp sort last.
func SortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return lessTimestamp(events[i].Value["timestamp"], events[j].Value["timestamp"])
	})
}

const (
	rankNumber = iota
	rankString
	rankMissing
)

func timestampKey(v any) (rank int, num float64, str string) {
	switch t := v.(type) {
	case float64:
		return rankNumber, t, ""
	case int:
		return rankNumber, float64(t), ""
	case int64:
		return rankNumber, float64(t), ""
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return rankNumber, f, ""
		}
		return rankString, 0, t.String()
	case string:
		return rankString, 0, t
	default:
		return rankMissing, 0, ""
	}
}

func lessTimestamp(a, b any) bool {
	ra, na, sa := timestampKey(a)
	rb, nb, sb := timestampKey(b)
	if ra != rb {
		return ra < rb
	}
	switch ra {
	case rankNumber:
		return na < nb
	case rankString:
		return sa < sb
	default:
		return false
	}
}
