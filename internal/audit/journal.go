package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/skatepark/internal/models"
)

// DefaultLimit caps Query results when the caller passes no limit.
const DefaultLimit = 100

// Journal is an append-only SQLite log of decision records. It is never
// read back to restore supervisor state.
type Journal struct {
	db *sql.DB
}

// Open creates the database file if needed and runs migrations.
func Open(dbPath string) (*Journal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Ping checks the database connection is alive.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		run_id TEXT,
		structure_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pdr_run_id ON pdr(run_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_timestamp ON pdr(timestamp);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Write appends a record.
func (j *Journal) Write(ctx context.Context, action, inputsHash, outcome, runID, structureID, details string) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{
		ID:          uuid.New().String(),
		Action:      action,
		InputsHash:  inputsHash,
		Outcome:     outcome,
		RunID:       runID,
		StructureID: structureID,
		Details:     details,
		Timestamp:   time.Now().UTC(),
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, run_id, structure_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Action, rec.InputsHash, rec.Outcome, rec.RunID, rec.StructureID, rec.Details, rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return rec, nil
}

// Query returns records newest first, optionally restricted to one run.
func (j *Journal) Query(ctx context.Context, runID string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT id, action, inputs_hash, outcome, run_id, structure_id, details, timestamp FROM pdr`
	var args []interface{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var runIDCol, structureID, details sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.InputsHash, &rec.Outcome, &runIDCol, &structureID, &details, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		rec.RunID = runIDCol.String
		rec.StructureID = structureID.String
		rec.Details = details.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
