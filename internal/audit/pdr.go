// Package audit provides PDR (Process Decision Record) writing for skatepark.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/fentz26/skatepark/internal/models"
)

// PDRWriter writes Process Decision Records for audit trails. A nil
// writer, or one without a journal, discards records.
type PDRWriter struct {
	journal *Journal
	logger  *slog.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(j *Journal, logger *slog.Logger) *PDRWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDRWriter{journal: j, logger: logger}
}

// Record writes a PDR entry for a state-mutating action. Write failures
// are logged and never propagated to the caller.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs interface{}, outcome, runID, structureID, details string) {
	if w == nil || w.journal == nil {
		return
	}
	if _, err := w.journal.Write(ctx, action, hashInputs(inputs), outcome, runID, structureID, details); err != nil {
		w.logger.WarnContext(ctx, "audit write failed", slog.String("action", action), slog.Any("error", err))
	}
}

// Query lists records, newest first. A writer without a journal returns none.
func (w *PDRWriter) Query(ctx context.Context, runID string, limit int) ([]models.AuditRecord, error) {
	if w == nil || w.journal == nil {
		return []models.AuditRecord{}, nil
	}
	return w.journal.Query(ctx, runID, limit)
}

// Status reports the journal health as "ok", "disabled" or the ping error.
func (w *PDRWriter) Status(ctx context.Context) string {
	if w == nil || w.journal == nil {
		return "disabled"
	}
	if err := w.journal.Ping(ctx); err != nil {
		return err.Error()
	}
	return "ok"
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
