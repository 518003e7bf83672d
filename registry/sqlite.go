package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite is a store backed by SQLite, for embedders that want device
// registrations to survive a restart.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if necessary creates) a SQLite-backed store.
// dsn is the data source name, e.g., "devices.db" or ":memory:".
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			token TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			os_version TEXT NOT NULL DEFAULT '',
			app_version TEXT NOT NULL DEFAULT '',
			registered_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Register upserts the device. On conflict, empty incoming metadata fields
// keep the stored values and registered_at is never rewritten.
func (s *SQLite) Register(ctx context.Context, token string, info *Info) error {
	if err := ValidateToken(token); err != nil {
		return err
	}
	if info == nil {
		info = &Info{}
	}
	// Times are stored as Unix nanoseconds so SQL comparisons order
	// chronologically.
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (token, label, model, os_version, app_version, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			label = CASE WHEN excluded.label <> '' THEN excluded.label ELSE label END,
			model = CASE WHEN excluded.model <> '' THEN excluded.model ELSE model END,
			os_version = CASE WHEN excluded.os_version <> '' THEN excluded.os_version ELSE os_version END,
			app_version = CASE WHEN excluded.app_version <> '' THEN excluded.app_version ELSE app_version END,
			last_seen_at = excluded.last_seen_at
	`,
		token,
		info.Label,
		info.Model,
		info.OSVersion,
		info.AppVersion,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("registering device: %w", err)
	}
	return nil
}

// Unregister removes the device and reports whether anything was removed.
func (s *SQLite) Unregister(ctx context.Context, token string) (bool, error) {
	if err := ValidateToken(token); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE token = ?", token)
	if err != nil {
		return false, fmt.Errorf("unregistering device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// Get retrieves one device, or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, token string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, label, model, os_version, app_version, registered_at, last_seen_at
		FROM devices WHERE token = ?
	`, token)
	return scanDevice(row)
}

// List returns all registered devices.
func (s *SQLite) List(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, label, model, os_version, app_version, registered_at, last_seen_at
		FROM devices
	`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Count returns the number of registered devices.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting devices: %w", err)
	}
	return n, nil
}

// Touch moves the device's LastSeenAt forward. Unregistered tokens are
// ignored.
func (s *SQLite) Touch(ctx context.Context, token string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_seen_at = ? WHERE token = ? AND last_seen_at < ?
	`, seen.UnixNano(), token, seen.UnixNano())
	if err != nil {
		return fmt.Errorf("recording delivery: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var (
		d                    Device
		registered, lastSeen int64
	)
	err := row.Scan(&d.Token, &d.Label, &d.Model, &d.OSVersion, &d.AppVersion, &registered, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	d.RegisteredAt = time.Unix(0, registered)
	d.LastSeenAt = time.Unix(0, lastSeen)
	return &d, nil
}
