package modhost

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteHost persists the unit catalog in sqlite and unit content under
// <root>/units. Unit state survives restarts, which is what reconciliation
// relies on.
type SQLiteHost struct {
	mu   sync.Mutex
	db   *sql.DB
	root string
	now  func() time.Time
}

// OpenSQLiteHost opens (or creates) the catalog at <root>/catalog.db.
func OpenSQLiteHost(root string) (*SQLiteHost, error) {
	if err := os.MkdirAll(filepath.Join(root, "units"), 0o755); err != nil {
		return nil, fmt.Errorf("modhost: create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(root, "catalog.db"))
	if err != nil {
		return nil, fmt.Errorf("modhost: open catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("modhost: connect catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("modhost: %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("modhost: apply schema: %w", err)
	}
	log.Debug().Str("root", root).Msg("modhost.OpenSQLiteHost ready")
	return &SQLiteHost{db: db, root: root, now: time.Now}, nil
}

func (h *SQLiteHost) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}

const unitColumns = "id, location, symbolic_name, version, fragment, state, consumes, installed_at"

func (h *SQLiteHost) Units(ctx context.Context) ([]Unit, error) {
	rows, err := h.db.QueryContext(ctx, "SELECT "+unitColumns+" FROM units ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("modhost: list units: %w", err)
	}
	defer rows.Close()
	out := make([]Unit, 0)
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (h *SQLiteHost) Lookup(ctx context.Context, location string) (Unit, bool, error) {
	row := h.db.QueryRowContext(ctx, "SELECT "+unitColumns+" FROM units WHERE location = ?", location)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, false, nil
	}
	if err != nil {
		return Unit{}, false, err
	}
	return u, true, nil
}

func (h *SQLiteHost) Install(ctx context.Context, spec InstallSpec, content io.Reader) (Unit, error) {
	if err := spec.Validate(); err != nil {
		return Unit{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var existing int
	err := h.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM units WHERE location = ? OR (symbolic_name = ? AND version = ?)",
		spec.Location, spec.SymbolicName, spec.Version,
	).Scan(&existing)
	if err != nil {
		return Unit{}, fmt.Errorf("modhost: check duplicate: %w", err)
	}
	if existing > 0 {
		return Unit{}, fmt.Errorf("%w: %s %s", ErrDuplicateUnit, spec.SymbolicName, spec.Version)
	}

	tmp, err := os.CreateTemp(filepath.Join(h.root, "units"), "install-*")
	if err != nil {
		return Unit{}, fmt.Errorf("modhost: stage content: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := blake3.New()
	var size int64
	if content != nil {
		size, err = io.Copy(io.MultiWriter(tmp, hasher), content)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Unit{}, fmt.Errorf("modhost: write content %s: %w", spec.Location, err)
	}

	consumes, err := json.Marshal(nonNil(spec.Consumes))
	if err != nil {
		return Unit{}, err
	}
	installedAt := h.now()
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return Unit{}, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO units (location, symbolic_name, version, fragment, state, consumes, size_bytes, digest, installed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.Location, spec.SymbolicName, spec.Version, boolInt(spec.Fragment), string(StateInstalled),
		string(consumes), size, hex.EncodeToString(hasher.Sum(nil)), installedAt.UnixMilli(),
	)
	if err != nil {
		tx.Rollback()
		return Unit{}, fmt.Errorf("modhost: insert unit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return Unit{}, err
	}
	if err := os.Rename(tmpPath, h.contentPath(id)); err != nil {
		tx.Rollback()
		return Unit{}, fmt.Errorf("modhost: place content: %w", err)
	}
	if err := tx.Commit(); err != nil {
		os.Remove(h.contentPath(id))
		return Unit{}, err
	}
	return Unit{
		ID:           id,
		Location:     spec.Location,
		SymbolicName: spec.SymbolicName,
		Version:      spec.Version,
		Fragment:     spec.Fragment,
		State:        StateInstalled,
		Consumes:     append([]string(nil), spec.Consumes...),
		InstalledAt:  time.UnixMilli(installedAt.UnixMilli()),
	}, nil
}

func (h *SQLiteHost) Start(ctx context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, err := h.get(ctx, id)
	if err != nil {
		return err
	}
	if u.Fragment {
		return fmt.Errorf("%w: id=%d", ErrFragmentStart, id)
	}
	return h.setState(ctx, id, StateActive)
}

func (h *SQLiteHost) Stop(ctx context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, err := h.get(ctx, id)
	if err != nil {
		return err
	}
	if u.State != StateActive {
		return nil
	}
	return h.setState(ctx, id, StateResolved)
}

func (h *SQLiteHost) Uninstall(ctx context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	res, err := h.db.ExecContext(ctx, "DELETE FROM units WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("modhost: delete unit %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id=%d", ErrUnitNotFound, id)
	}
	if err := os.Remove(h.contentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Int64("unit_id", id).Msg("modhost.SQLiteHost.Uninstall content cleanup failed")
	}
	return nil
}

func (h *SQLiteHost) Deliver(ctx context.Context, unitID int64, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, err := h.get(ctx, unitID)
	if err != nil {
		return err
	}
	if u.State != StateActive {
		return fmt.Errorf("modhost: unit %d is %s, not active", unitID, u.State)
	}
	props, err := json.Marshal(event.Properties)
	if err != nil {
		return fmt.Errorf("modhost: encode event properties: %w", err)
	}
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO deliveries (unit_id, event_type, correlation_id, source_node, properties, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		unitID, event.Type, event.CorrelationID, event.SourceNode, string(props), h.now().UnixMilli(),
	)
	return err
}

// Deliveries returns the events handed to unitID in arrival order.
func (h *SQLiteHost) Deliveries(ctx context.Context, unitID int64) ([]Event, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT event_type, correlation_id, source_node, properties FROM deliveries WHERE unit_id = ? ORDER BY seq",
		unitID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var props string
		if err := rows.Scan(&ev.Type, &ev.CorrelationID, &ev.SourceNode, &props); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(props), &ev.Properties); err != nil {
			return nil, fmt.Errorf("modhost: decode delivery properties: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ContentDigest returns the blake3 digest recorded for a unit's content.
func (h *SQLiteHost) ContentDigest(ctx context.Context, id int64) (string, error) {
	var digest string
	err := h.db.QueryRowContext(ctx, "SELECT digest FROM units WHERE id = ?", id).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: id=%d", ErrUnitNotFound, id)
	}
	return digest, err
}

func (h *SQLiteHost) get(ctx context.Context, id int64) (Unit, error) {
	row := h.db.QueryRowContext(ctx, "SELECT "+unitColumns+" FROM units WHERE id = ?", id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, fmt.Errorf("%w: id=%d", ErrUnitNotFound, id)
	}
	return u, err
}

func (h *SQLiteHost) setState(ctx context.Context, id int64, state State) error {
	_, err := h.db.ExecContext(ctx, "UPDATE units SET state = ? WHERE id = ?", string(state), id)
	if err != nil {
		return fmt.Errorf("modhost: set state %d=%s: %w", id, state, err)
	}
	return nil
}

func (h *SQLiteHost) contentPath(id int64) string {
	return filepath.Join(h.root, "units", strconv.FormatInt(id, 10)+".bin")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (Unit, error) {
	var (
		u           Unit
		fragment    int
		state       string
		consumes    string
		installedAt int64
	)
	if err := row.Scan(&u.ID, &u.Location, &u.SymbolicName, &u.Version, &fragment, &state, &consumes, &installedAt); err != nil {
		return Unit{}, err
	}
	u.Fragment = fragment != 0
	u.State = State(state)
	u.InstalledAt = time.UnixMilli(installedAt)
	if err := json.Unmarshal([]byte(consumes), &u.Consumes); err != nil {
		return Unit{}, fmt.Errorf("modhost: decode consumes for unit %d: %w", u.ID, err)
	}
	if len(u.Consumes) == 0 {
		u.Consumes = nil
	}
	return u, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
