// Package storage persists engine state in a local SQLite database: the last
// published-version check and the device inventory. Transfer history is not
// stored.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"

	"github.com/watchrip/wearbridge/internal/agent/device"
	"github.com/watchrip/wearbridge/internal/manifest"
	"github.com/watchrip/wearbridge/internal/version"
)

const (
	checkStateTable = "version_check_state"
	devicesTable    = "device_inventory"
	timeLayout      = time.RFC3339Nano
)

// DeviceRow is one inventory entry.
type DeviceRow struct {
	Serial           string
	Name             string
	Status           string
	InstalledVersion string
	OnlineVersion    string
	NeedsUpdate      bool
	LastSeenAt       time.Time
	UpdatedAt        time.Time
}

// Store is the SQLite state store. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: empty database path")
	}
	if err := ensureDirExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("db", path).Msg("state store opened")
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDirExists(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + checkStateTable + ` (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_check TEXT NOT NULL,
			version TEXT NOT NULL,
			download_url TEXT,
			length INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS ` + devicesTable + ` (
			serial TEXT PRIMARY KEY,
			name TEXT,
			status TEXT,
			installed_version TEXT,
			online_version TEXT,
			needs_update INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + devicesTable + `_status ON ` + devicesTable + `(status);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "storage: prepare schema failed")
		}
	}
	return nil
}

// LoadCheckState returns the persisted version check, if any.
func (s *Store) LoadCheckState(ctx context.Context) (version.CheckState, bool, error) {
	var (
		lastCheck, ver string
		url            sql.NullString
		length         int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_check, version, download_url, length FROM `+checkStateTable+` WHERE id = 1`,
	).Scan(&lastCheck, &ver, &url, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return version.CheckState{}, false, nil
	}
	if err != nil {
		return version.CheckState{}, false, errors.Wrap(err, "storage: load check state failed")
	}
	ts, err := time.Parse(timeLayout, lastCheck)
	if err != nil {
		return version.CheckState{}, false, errors.Wrapf(err, "storage: bad last_check %q", lastCheck)
	}
	return version.CheckState{
		LastCheck: ts,
		Info:      manifest.Info{Version: ver, DownloadURL: url.String, Length: length},
	}, true, nil
}

// SaveCheckState replaces the persisted version check.
func (s *Store) SaveCheckState(ctx context.Context, st version.CheckState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+checkStateTable+` (id, last_check, version, download_url, length, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_check = excluded.last_check,
			version = excluded.version,
			download_url = excluded.download_url,
			length = excluded.length,
			updated_at = excluded.updated_at`,
		st.LastCheck.UTC().Format(timeLayout), st.Info.Version, st.Info.DownloadURL, st.Info.Length,
		time.Now().UTC().Format(timeLayout),
	)
	return errors.Wrap(err, "storage: save check state failed")
}

// UpsertDevices records presence changes from the device registry.
func (s *Store) UpsertDevices(ctx context.Context, devices []device.InfoUpdate) error {
	if len(devices) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin device upsert failed")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+devicesTable+` (serial, name, status, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`)
	if err != nil {
		return errors.Wrap(err, "storage: prepare device upsert failed")
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timeLayout)
	for _, d := range devices {
		if strings.TrimSpace(d.DeviceSerial) == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, d.DeviceSerial, d.Name, d.Status, d.LastSeenAt.UTC().Format(timeLayout), now); err != nil {
			return errors.Wrapf(err, "storage: upsert device %s failed", d.DeviceSerial)
		}
	}
	return errors.Wrap(tx.Commit(), "storage: commit device upsert failed")
}

// RecordVersions stores the outcome of a version check per device.
func (s *Store) RecordVersions(ctx context.Context, online string, statuses []version.Status) error {
	if len(statuses) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin version record failed")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+devicesTable+` (serial, installed_version, online_version, needs_update, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			installed_version = excluded.installed_version,
			online_version = excluded.online_version,
			needs_update = excluded.needs_update,
			updated_at = excluded.updated_at`)
	if err != nil {
		return errors.Wrap(err, "storage: prepare version record failed")
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timeLayout)
	for _, st := range statuses {
		needs := 0
		if st.NeedsUpdate {
			needs = 1
		}
		if _, err := stmt.ExecContext(ctx, st.Serial, st.Installed, online, needs, now); err != nil {
			return errors.Wrapf(err, "storage: record version for %s failed", st.Serial)
		}
	}
	return errors.Wrap(tx.Commit(), "storage: commit version record failed")
}

// Devices lists the inventory ordered by serial.
func (s *Store) Devices(ctx context.Context) ([]DeviceRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT serial, name, status, installed_version, online_version,
		needs_update, last_seen, updated_at FROM `+devicesTable+` ORDER BY serial`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query devices failed")
	}
	defer rows.Close()

	var out []DeviceRow
	for rows.Next() {
		var (
			row                                   DeviceRow
			name, status, installed, online, seen sql.NullString
			updated                               string
			needs                                 int
		)
		if err := rows.Scan(&row.Serial, &name, &status, &installed, &online, &needs, &seen, &updated); err != nil {
			return nil, errors.Wrap(err, "storage: scan device row failed")
		}
		row.Name = name.String
		row.Status = status.String
		row.InstalledVersion = installed.String
		row.OnlineVersion = online.String
		row.NeedsUpdate = needs != 0
		if seen.Valid {
			row.LastSeenAt, _ = time.Parse(timeLayout, seen.String)
		}
		row.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, row)
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate devices failed")
}
