// Package audit persists the deployment history of every application. Each
// accepted, rejected or rolled-back deployment becomes one immutable record,
// so the history survives restarts and is queryable from the control plane.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Outcome classifies a deployment record.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeRejected   Outcome = "rejected"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Record is one deployment event in the history.
type Record struct {
	ID          string `db:"id" json:"id"`
	Application string `db:"application" json:"application"`
	Hash        string `db:"hash" json:"hash"`
	Version     string `db:"version" json:"version,omitempty"`
	Timestamp   int64  `db:"timestamp" json:"timestamp"`
	Outcome     string `db:"outcome" json:"outcome"`
	Detail      string `db:"detail" json:"detail,omitempty"`
}

// Log writes deployment records to the database.
type Log struct {
	db *sqlx.DB
}

// NewLog initializes the deployments table and returns a Log.
func NewLog(db *sqlx.DB) (*Log, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

// DBInit creates the deployments table and its indexes.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		application TEXT NOT NULL,
		hash TEXT NOT NULL,
		version TEXT,
		timestamp INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_deployments_application ON deployments(application)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_deployments_timestamp ON deployments(timestamp)`)
	return err
}

// Append records one deployment event and returns it with its generated ID.
func (l *Log) Append(application, hash, version string, outcome Outcome, detail string) (*Record, error) {
	rec := &Record{
		ID:          uuid.New().String(),
		Application: application,
		Hash:        hash,
		Version:     version,
		Timestamp:   time.Now().Unix(),
		Outcome:     string(outcome),
		Detail:      detail,
	}
	_, err := l.db.Exec(`
		INSERT INTO deployments (id, application, hash, version, timestamp, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Application, rec.Hash, rec.Version, rec.Timestamp, rec.Outcome, rec.Detail,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Seen reports whether the hash was ever successfully deployed or rolled
// back to for the application. Rollback targets must pass this check before
// a pruned version is reloaded from the store.
func (l *Log) Seen(application, hash string) (bool, error) {
	var count int
	err := l.db.Get(&count, `
		SELECT COUNT(*) FROM deployments
		WHERE application = $1 AND hash = $2 AND outcome != 'rejected'`,
		application, hash,
	)
	return count > 0, err
}

// Latest returns the most recent non-rejected record per application. On
// startup the server replays these to restore each application's active
// version.
func (l *Log) Latest() ([]Record, error) {
	records := []Record{}
	err := l.db.Select(&records, `
		SELECT d.id, d.application, d.hash, d.version, d.timestamp, d.outcome, d.detail
		FROM deployments d
		JOIN (
			SELECT application, MAX(rowid) AS last
			FROM deployments WHERE outcome != 'rejected'
			GROUP BY application
		) latest ON d.rowid = latest.last
		ORDER BY d.application`,
	)
	return records, err
}

// History returns the records for one application, newest first, up to limit.
func (l *Log) History(application string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	records := []Record{}
	err := l.db.Select(&records, `
		SELECT id, application, hash, version, timestamp, outcome, detail
		FROM deployments WHERE application = $1
		ORDER BY timestamp DESC, id LIMIT $2`,
		application, limit,
	)
	return records, err
}
