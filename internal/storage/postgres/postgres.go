package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/AaronLay10/Colloquy/internal/timeline"
)

// EventRow represents an event stored in Postgres.
type EventRow struct {
	EventID   int64                  `json:"event_id"`
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   *string                `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	ServiceID string                 `json:"service_id"`
	SessionID *string                `json:"session_id,omitempty"`
}

// AudioRow is a node's cached audio timeline.
type AudioRow struct {
	NodeID    string
	Cache     timeline.Cache
	UpdatedAt time.Time
}

// Client manages the Postgres connection for events and node audio caches.
type Client struct {
	db        *sql.DB
	serviceID string
}

// New creates a new Postgres client using the PG* environment variables.
// Callers treat a failure as "run without persistence".
func New(serviceID, password string) (*Client, error) {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "colloquy")
	dbname := getEnv("PGDATABASE", "colloquy")

	var connStr string
	if password != "" {
		connStr = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, dbname)
	} else {
		connStr = fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
			host, port, user, dbname)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	client := NewWithDB(db, serviceID)
	if err := client.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return client, nil
}

// NewWithDB wraps an existing database handle. Tables are not created.
func NewWithDB(db *sql.DB, serviceID string) *Client {
	return &Client{db: db, serviceID: serviceID}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (c *Client) createTables() error {
	query := `
		CREATE TABLE IF NOT EXISTS events (
			event_id   BIGSERIAL PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			level      TEXT NOT NULL,
			event      TEXT NOT NULL,
			msg        TEXT,
			fields     JSONB,
			service_id TEXT NOT NULL,
			session_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_service_id ON events(service_id);

		CREATE TABLE IF NOT EXISTS node_audio (
			service_id     TEXT NOT NULL,
			node_id        TEXT NOT NULL,
			segments       JSONB NOT NULL,
			total_duration DOUBLE PRECISION NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (service_id, node_id)
		);
	`
	_, err := c.db.Exec(query)
	return err
}

// Append inserts an event into the database.
func (c *Client) Append(ts time.Time, level, event, msg string, fields map[string]interface{}, sessionID string) error {
	var fieldsJSON []byte
	var err error
	if fields != nil {
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}

	var msgPtr *string
	if msg != "" {
		msgPtr = &msg
	}

	var sessionPtr *string
	if sessionID != "" {
		sessionPtr = &sessionID
	}

	query := `
		INSERT INTO events (ts, level, event, msg, fields, service_id, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = c.db.Exec(query, ts, level, event, msgPtr, fieldsJSON, c.serviceID, sessionPtr)
	return err
}

// Query returns the last N events in descending order by timestamp.
func (c *Client) Query(limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 10000 {
		limit = 10000
	}

	query := `
		SELECT event_id, ts, level, event, msg, fields, service_id, session_id
		FROM events
		WHERE service_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := c.db.Query(query, c.serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var fieldsJSON []byte
		var msg, sessionID sql.NullString

		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Level, &e.Event, &msg, &fieldsJSON, &e.ServiceID, &sessionID); err != nil {
			return nil, err
		}

		if msg.Valid {
			e.Message = &msg.String
		}
		if sessionID.Valid {
			e.SessionID = &sessionID.String
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// SaveNodeAudio upserts a node's audio timeline.
func (c *Client) SaveNodeAudio(ctx context.Context, nodeID string, cache timeline.Cache) error {
	segments := cache.Segments
	if segments == nil {
		segments = []timeline.Segment{}
	}
	segJSON, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("failed to marshal segments: %w", err)
	}

	query := `
		INSERT INTO node_audio (service_id, node_id, segments, total_duration, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service_id, node_id)
		DO UPDATE SET segments = EXCLUDED.segments,
		              total_duration = EXCLUDED.total_duration,
		              updated_at = EXCLUDED.updated_at
	`
	if _, err := c.db.ExecContext(ctx, query, c.serviceID, nodeID, segJSON, cache.TotalDuration, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save audio for node %s: %w", nodeID, err)
	}
	return nil
}

// LoadNodeAudio returns every cached node timeline for this service.
func (c *Client) LoadNodeAudio(ctx context.Context) ([]AudioRow, error) {
	query := `
		SELECT node_id, segments, total_duration, updated_at
		FROM node_audio
		WHERE service_id = $1
		ORDER BY node_id
	`
	rows, err := c.db.QueryContext(ctx, query, c.serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AudioRow
	for rows.Next() {
		var r AudioRow
		var segJSON []byte
		if err := rows.Scan(&r.NodeID, &segJSON, &r.Cache.TotalDuration, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(segJSON, &r.Cache.Segments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal segments for node %s: %w", r.NodeID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping reports whether the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
