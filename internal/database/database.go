package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"trafficmon/internal/analytics"
)

// ErrNotFound is returned by lookups of unknown ids
var ErrNotFound = errors.New("not found")

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// SessionRecord is the persisted lifecycle of one stream session
type SessionRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Source    string     `json:"source"`
	Model     string     `json:"model"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// IncidentFilter narrows ListIncidents
type IncidentFilter struct {
	StreamID string
	Type     analytics.IncidentType
	Since    *time.Time
	Limit    int
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection
func (d *Database) Ping() error {
	return d.db.Ping()
}

// SaveSession inserts or updates a session record
func (d *Database) SaveSession(rec *SessionRecord) error {
	query := `INSERT INTO sessions (id, name, source, model, status, error, started_at, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			model = excluded.model,
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at`

	_, err := d.db.Exec(query, rec.ID, rec.Name, rec.Source, rec.Model, rec.Status, rec.Error,
		rec.StartedAt.UTC(), nullTime(rec.StoppedAt))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// FinishSession records the final status of a session
func (d *Database) FinishSession(id, status, errMsg string, at time.Time) error {
	res, err := d.db.Exec("UPDATE sessions SET status = ?, error = ?, stopped_at = ? WHERE id = ?",
		status, errMsg, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession retrieves a session by ID
func (d *Database) GetSession(id string) (*SessionRecord, error) {
	query := `SELECT id, name, source, model, status, error, started_at, stopped_at FROM sessions WHERE id = ?`

	rec, err := scanSession(d.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns sessions, most recently started first
func (d *Database) ListSessions(limit int) ([]*SessionRecord, error) {
	query := `SELECT id, name, source, model, status, error, started_at, stopped_at
		FROM sessions ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var model, errMsg sql.NullString
	var stopped sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Source, &model, &rec.Status, &errMsg,
		&rec.StartedAt, &stopped); err != nil {
		return nil, err
	}
	rec.Model = model.String
	rec.Error = errMsg.String
	if stopped.Valid {
		t := stopped.Time
		rec.StoppedAt = &t
	}
	return &rec, nil
}

// SaveIncident stores an incident; saving the same id twice keeps the first
func (d *Database) SaveIncident(inc *analytics.Incident) error {
	var mime, data sql.NullString
	if inc.Snapshot != nil {
		mime = sql.NullString{String: inc.Snapshot.Mime, Valid: true}
		data = sql.NullString{String: inc.Snapshot.Data, Valid: true}
	}
	var track sql.NullInt64
	if inc.TrackID != nil {
		track = sql.NullInt64{Int64: int64(*inc.TrackID), Valid: true}
	}

	query := `INSERT INTO incidents
		(id, stream_id, stream_name, type, severity, description, timestamp, track_id, zone,
		 vehicle_count, density, status, snapshot_mime, snapshot_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	_, err := d.db.Exec(query, inc.ID, inc.StreamID, inc.StreamName, string(inc.Type), string(inc.Severity),
		inc.Description, inc.Timestamp.UTC(), track, inc.Zone, inc.VehicleCount, inc.Density,
		inc.Status, mime, data)
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

const incidentColumns = `id, stream_id, stream_name, type, severity, description, timestamp, track_id,
	zone, vehicle_count, density, status, snapshot_mime, snapshot_data`

// GetIncident retrieves an incident by ID
func (d *Database) GetIncident(id string) (*analytics.Incident, error) {
	inc, err := scanIncident(d.db.QueryRow("SELECT "+incidentColumns+" FROM incidents WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns incidents newest first with optional filtering
func (d *Database) ListIncidents(f IncidentFilter) ([]*analytics.Incident, error) {
	query := "SELECT " + incidentColumns + " FROM incidents WHERE 1=1"
	args := []any{}

	if f.StreamID != "" {
		query += " AND stream_id = ?"
		args = append(args, f.StreamID)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if f.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC())
	}

	query += " ORDER BY timestamp DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*analytics.Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func scanIncident(row scanner) (*analytics.Incident, error) {
	var inc analytics.Incident
	var typ, sev string
	var name, desc, zone, mime, data sql.NullString
	var track sql.NullInt64

	if err := row.Scan(&inc.ID, &inc.StreamID, &name, &typ, &sev, &desc, &inc.Timestamp, &track,
		&zone, &inc.VehicleCount, &inc.Density, &inc.Status, &mime, &data); err != nil {
		return nil, err
	}

	inc.Type = analytics.IncidentType(typ)
	inc.Severity = analytics.Severity(sev)
	inc.StreamName = name.String
	inc.Description = desc.String
	inc.Zone = zone.String
	if track.Valid {
		id := int(track.Int64)
		inc.TrackID = &id
	}
	if mime.Valid && data.Valid {
		inc.Snapshot = &analytics.Snapshot{Mime: mime.String, Data: data.String}
	}
	return &inc, nil
}

// DeleteOldIncidents deletes incidents older than the specified time
func (d *Database) DeleteOldIncidents(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM incidents WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old incidents: %w", err)
	}
	return result.RowsAffected()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
