// Package audit provides a durable hub-side log of accepted
// sensor_data events, backed by PostgreSQL. It is entirely optional:
// a hub with no audit trail configured runs exactly the same protocol
// state machine, just without a history to query afterward.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Config holds the PostgreSQL connection parameters for the audit trail.
type Config struct {
	DSN string
}

// Trail records accepted sensor_data events to PostgreSQL.
type Trail struct {
	db *sql.DB
}

// Open connects to PostgreSQL and ensures the audit schema exists.
func Open(cfg Config) (*Trail, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	t := &Trail{db: db}
	if err := t.initSchema(); err != nil {
		return nil, fmt.Errorf("audit: failed to initialize schema: %w", err)
	}
	return t, nil
}

func (t *Trail) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sensor_events (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL,
		event_type SMALLINT NOT NULL,
		data BYTEA,
		recorded_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_sensor_events_device_id ON sensor_events(device_id);
	CREATE INDEX IF NOT EXISTS idx_sensor_events_recorded_at ON sensor_events(recorded_at);
	`
	_, err := t.db.Exec(schema)
	return err
}

// Record persists one sensor_data event.
func (t *Trail) Record(deviceID uint32, eventType byte, data []byte, at time.Time) error {
	const query = `
		INSERT INTO sensor_events (device_id, event_type, data, recorded_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := t.db.Exec(query, int64(deviceID), int16(eventType), data, at)
	return err
}

// Recent returns the most recent events recorded for deviceID, newest first.
func (t *Trail) Recent(deviceID uint32, limit int) ([]Entry, error) {
	const query = `
		SELECT event_type, data, recorded_at
		FROM sensor_events
		WHERE device_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`
	rows, err := t.db.Query(query, int64(deviceID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var eventType int16
		if err := rows.Scan(&eventType, &e.Data, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.EventType = byte(eventType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Entry is one row of the audit trail.
type Entry struct {
	EventType  byte
	Data       []byte
	RecordedAt time.Time
}

// Close closes the underlying database connection.
func (t *Trail) Close() error {
	return t.db.Close()
}
