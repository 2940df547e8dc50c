// Package cache persists what the agent learns between runs: the last
// battery level of every tag, the history of finished syncs and the most
// recent location fixes. It is backed by a single SQLite file.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/dotside-studios/tagsync-agent/protocol"
	"github.com/dotside-studios/tagsync-agent/tag"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// hostLocation is the device_id under which the host's own fix is stored.
const hostLocation = ""

// Store implements tag.BatteryCache, tag.LocationProvider and the
// service's history and location stores.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ tag.BatteryCache     = (*Store)(nil)
	_ tag.LocationProvider = (*Store)(nil)
)

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &Store{db: db, logger: logger.With("component", "cache"), now: time.Now}
	if err := s.migrate(ctx, path != MemoryPath); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context, wal bool) error {
	var statements []string
	if wal {
		statements = append(statements, `PRAGMA journal_mode = WAL;`)
	}
	statements = append(statements,
		`CREATE TABLE IF NOT EXISTS battery (
			device_id TEXT PRIMARY KEY,
			level TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			result TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_history_device ON sync_history(device_id, id);`,
		`CREATE TABLE IF NOT EXISTS locations (
			device_id TEXT PRIMARY KEY,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			accuracy REAL NOT NULL,
			method TEXT NOT NULL,
			fixed_at TEXT NOT NULL
		);`,
	)
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

// CachedBattery returns the last stored level.
func (s *Store) CachedBattery(ctx context.Context, deviceID string) (tag.BatteryLevel, bool) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT level FROM battery WHERE device_id = ?`, deviceID).Scan(&name)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("read cached battery failed", "device", deviceID, "error", err)
		}
		return tag.BatteryUnknown, false
	}
	return tag.ParseBatteryLevelName(name), true
}

// StoreBattery records level for deviceID. Unknown levels are not stored so
// they never replace a known one.
func (s *Store) StoreBattery(ctx context.Context, deviceID string, level tag.BatteryLevel) error {
	if level == tag.BatteryUnknown {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO battery (device_id, level, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			level=excluded.level,
			updated_at=excluded.updated_at`,
		deviceID, level.String(), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("store battery for %s: %w", deviceID, err)
	}
	return nil
}

// RecordSync appends a finished sync and returns its id. Ids sort by
// finish time.
func (s *Store) RecordSync(ctx context.Context, deviceID string, result tag.SyncResult, finishedAt time.Time) (string, error) {
	id := newID(finishedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_history (id, device_id, result, finished_at) VALUES (?, ?, ?, ?)`,
		id, deviceID, result.String(), formatTime(finishedAt))
	if err != nil {
		return "", fmt.Errorf("record sync for %s: %w", deviceID, err)
	}
	return id, nil
}

// History returns up to limit syncs of deviceID, newest first.
func (s *Store) History(ctx context.Context, deviceID string, limit int) ([]protocol.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, result, finished_at FROM sync_history
		WHERE device_id = ?
		ORDER BY id DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []protocol.HistoryEntry
	for rows.Next() {
		var (
			e          protocol.HistoryEntry
			finishedAt string
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Result, &finishedAt); err != nil {
			return nil, err
		}
		e.FinishedAt = parseTime(finishedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneHistory deletes history entries that finished before cutoff.
func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_history WHERE id < ?`, ulid.MustNew(ulid.Timestamp(cutoff), zeroEntropy{}).String())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned sync history", "rows", n, "before", cutoff)
	}
	return n, nil
}

// StoreLocation keeps the latest fix per device. An empty deviceID is the
// host's own location.
func (s *Store) StoreLocation(ctx context.Context, deviceID string, loc tag.Location) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (device_id, latitude, longitude, accuracy, method, fixed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			latitude=excluded.latitude,
			longitude=excluded.longitude,
			accuracy=excluded.accuracy,
			method=excluded.method,
			fixed_at=excluded.fixed_at`,
		deviceID, loc.Latitude, loc.Longitude, loc.Accuracy, loc.Method, formatTime(loc.Time))
	if err != nil {
		return fmt.Errorf("store location: %w", err)
	}
	return nil
}

// LastLocation returns the device's own fix, or the host fix when the
// device has none. Both missing yields nil, nil.
func (s *Store) LastLocation(ctx context.Context, deviceID string) (*tag.Location, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT latitude, longitude, accuracy, method, fixed_at FROM locations
		WHERE device_id IN (?, ?)
		ORDER BY device_id = ? DESC
		LIMIT 1`, deviceID, hostLocation, deviceID)

	var (
		loc     tag.Location
		fixedAt string
	)
	if err := row.Scan(&loc.Latitude, &loc.Longitude, &loc.Accuracy, &loc.Method, &fixedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query location: %w", err)
	}
	loc.Time = parseTime(fixedAt)
	return &loc, nil
}

func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// zeroEntropy yields the smallest ulid for a timestamp.
type zeroEntropy struct{}

func (zeroEntropy) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
