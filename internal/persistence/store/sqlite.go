package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

const tracerName = "rebuildcraft.ai/internal/persistence/store"

// SQLiteStore persists coordinator state in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	tracer trace.Tracer
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and a single handle keeps
	// read-modify-write transactions free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{
		db:     db,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) nowMillis() int64 { return s.now().UTC().UnixMilli() }

// withTx runs fn inside one transaction wrapped in a span. Any error rolls back.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error, attrs ...attribute.KeyValue) (err error) {
	ctx, span := s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// Objectives.

func scanProgress(row *sql.Row, key ObjectiveKey) (Progress, error) {
	p := Progress{Key: key}
	if err := row.Scan(&p.Current, &p.Required); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, fmt.Errorf("objective %s: %w", key, ErrNotFound)
		}
		return p, err
	}
	return p, nil
}

func getObjectiveTx(ctx context.Context, tx *sql.Tx, key ObjectiveKey) (Progress, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT current, required FROM objectives WHERE map_id = ? AND kind = ? AND x = ? AND y = ?`,
		key.MapID, string(key.Kind), key.Coord.X, key.Coord.Y)
	return scanProgress(row, key)
}

// incrementTx applies delta capped at required. Progress never decreases.
func (s *SQLiteStore) incrementTx(ctx context.Context, tx *sql.Tx, key ObjectiveKey, delta int) (Change, error) {
	before, err := getObjectiveTx(ctx, tx, key)
	if err != nil {
		return Change{}, err
	}
	after := before
	if delta > 0 {
		after.Current = min(before.Required, before.Current+delta)
	}
	if after.Current != before.Current {
		if _, err := tx.ExecContext(ctx,
			`UPDATE objectives SET current = ?, updated_at = ? WHERE map_id = ? AND kind = ? AND x = ? AND y = ?`,
			after.Current, s.nowMillis(), key.MapID, string(key.Kind), key.Coord.X, key.Coord.Y,
		); err != nil {
			return Change{}, fmt.Errorf("update objective %s: %w", key, err)
		}
	}
	return Change{Before: before, After: after}, nil
}

func (s *SQLiteStore) GetObjective(ctx context.Context, key ObjectiveKey) (Progress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT current, required FROM objectives WHERE map_id = ? AND kind = ? AND x = ? AND y = ?`,
		key.MapID, string(key.Kind), key.Coord.X, key.Coord.Y)
	return scanProgress(row, key)
}

func (s *SQLiteStore) ListObjectives(ctx context.Context, mapID int, kind ObjectiveKind) ([]Progress, error) {
	q := `SELECT kind, x, y, current, required FROM objectives WHERE map_id = ?`
	args := []any{mapID}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY kind, y, x`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}
	defer rows.Close()

	var out []Progress
	for rows.Next() {
		var (
			k string
			p Progress
		)
		if err := rows.Scan(&k, &p.Key.Coord.X, &p.Key.Coord.Y, &p.Current, &p.Required); err != nil {
			return nil, err
		}
		p.Key.MapID = mapID
		p.Key.Kind = ObjectiveKind(k)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) IncrementObjective(ctx context.Context, key ObjectiveKey, delta int) (Change, error) {
	var ch Change
	err := s.withTx(ctx, "IncrementObjective", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		ch, err = s.incrementTx(ctx, tx, key, delta)
		return err
	}, attribute.String("objective", key.String()), attribute.Int("delta", delta))
	return ch, err
}

func (s *SQLiteStore) ApplyContributions(ctx context.Context, batch ContributionBatch) ([]Change, error) {
	changes := make([]Change, 0, len(batch.Deltas))
	err := s.withTx(ctx, "ApplyContributions", func(ctx context.Context, tx *sql.Tx) error {
		applied := 0
		for _, d := range batch.Deltas {
			ch, err := s.incrementTx(ctx, tx, d.Key, d.Delta)
			if err != nil {
				return err
			}
			applied += ch.After.Current - ch.Before.Current
			changes = append(changes, ch)
		}
		for pid, n := range scaleStats(batch.Stats, applied) {
			if err := creditStatsTx(ctx, tx, pid, n, 0); err != nil {
				return err
			}
		}
		return nil
	}, attribute.Int("deltas", len(batch.Deltas)))
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// scaleStats shares applied units among contributors in proportion to what each
// requested. Leftover units go to the largest fractional remainders, ties by id.
func scaleStats(stats map[string]int, applied int) map[string]int {
	requested := 0
	for _, n := range stats {
		requested += n
	}
	if requested <= applied {
		return stats
	}
	type share struct {
		id  string
		rem int
	}
	out := make(map[string]int, len(stats))
	shares := make([]share, 0, len(stats))
	given := 0
	for id, n := range stats {
		q := n * applied
		out[id] = q / requested
		given += out[id]
		shares = append(shares, share{id: id, rem: q % requested})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].rem != shares[j].rem {
			return shares[i].rem > shares[j].rem
		}
		return shares[i].id < shares[j].id
	})
	for i := 0; given < applied; i++ {
		out[shares[i].id]++
		given++
	}
	return out
}

func (s *SQLiteStore) ApplyHouseDebit(ctx context.Context, participantID string, resource Resource, deltas []ObjectiveDelta) (HouseResult, error) {
	var res HouseResult
	err := s.withTx(ctx, "ApplyHouseDebit", func(ctx context.Context, tx *sql.Tx) error {
		res = HouseResult{}
		balance, err := balanceTx(ctx, tx, participantID, resource)
		if err != nil {
			return err
		}
		remaining := balance
		for _, d := range deltas {
			if remaining <= 0 {
				break
			}
			if d.Delta <= 0 {
				continue
			}
			cur, err := getObjectiveTx(ctx, tx, d.Key)
			if err != nil {
				return err
			}
			use := min(d.Delta, remaining, cur.Required-cur.Current)
			if use <= 0 {
				continue
			}
			ch, err := s.incrementTx(ctx, tx, d.Key, use)
			if err != nil {
				return err
			}
			applied := ch.After.Current - ch.Before.Current
			remaining -= applied
			res.Consumed += applied
			res.Changes = append(res.Changes, ch)
		}
		// Progress first, then the debit of exactly what was applied.
		if res.Consumed > 0 {
			if err := debitTx(ctx, tx, participantID, resource, res.Consumed); err != nil {
				return err
			}
			if err := creditStatsTx(ctx, tx, participantID, res.Consumed, 0); err != nil {
				return err
			}
		}
		res.Balance = balance - res.Consumed
		return nil
	}, attribute.String("participant", participantID), attribute.String("resource", string(resource)))
	return res, err
}

func (s *SQLiteStore) SeedObjectives(ctx context.Context, seeds []ObjectiveSeed) error {
	return s.withTx(ctx, "SeedObjectives", func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO objectives(map_id, kind, x, y, current, required, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(map_id, kind, x, y) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := s.nowMillis()
		for _, sd := range seeds {
			if !sd.Key.Kind.Valid() || sd.Required <= 0 {
				return fmt.Errorf("seed %s: invalid objective (required=%d)", sd.Key, sd.Required)
			}
			if _, err := stmt.ExecContext(ctx, sd.Key.MapID, string(sd.Key.Kind), sd.Key.Coord.X, sd.Key.Coord.Y, sd.Required, now); err != nil {
				return fmt.Errorf("seed %s: %w", sd.Key, err)
			}
		}
		return nil
	}, attribute.Int("seeds", len(seeds)))
}

func creditStatsTx(ctx context.Context, tx *sql.Tx, participantID string, constructive, harvest int) error {
	if participantID == "" || (constructive == 0 && harvest == 0) {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO participant_stats(participant_id, constructive, harvest) VALUES (?, ?, ?)
		ON CONFLICT(participant_id) DO UPDATE SET
			constructive = constructive + excluded.constructive,
			harvest = harvest + excluded.harvest`,
		participantID, constructive, harvest)
	if err != nil {
		return fmt.Errorf("credit stats %s: %w", participantID, err)
	}
	return nil
}

// Inventory.

func balanceTx(ctx context.Context, tx *sql.Tx, participantID string, resource Resource) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT amount FROM inventory WHERE participant_id = ? AND resource = ?`,
		participantID, string(resource)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func debitTx(ctx context.Context, tx *sql.Tx, participantID string, resource Resource, amount int) error {
	if amount <= 0 {
		return nil
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE inventory SET amount = amount - ? WHERE participant_id = ? AND resource = ? AND amount >= ?`,
		amount, participantID, string(resource), amount)
	if err != nil {
		return fmt.Errorf("debit %s %s: %w", participantID, resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("debit %d %s from %s: %w", amount, resource, participantID, ErrInsufficient)
	}
	return nil
}

func creditTx(ctx context.Context, tx *sql.Tx, participantID string, resource Resource, amount int) error {
	if amount <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO inventory(participant_id, resource, amount) VALUES (?, ?, ?)
		ON CONFLICT(participant_id, resource) DO UPDATE SET amount = amount + excluded.amount`,
		participantID, string(resource), amount)
	if err != nil {
		return fmt.Errorf("credit %s %s: %w", participantID, resource, err)
	}
	return nil
}

func inventoryTx(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, participantID string) (Inventory, error) {
	rows, err := q.QueryContext(ctx, `SELECT resource, amount FROM inventory WHERE participant_id = ?`, participantID)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", participantID, err)
	}
	defer rows.Close()
	inv := Inventory{}
	for rows.Next() {
		var (
			r string
			n int
		)
		if err := rows.Scan(&r, &n); err != nil {
			return nil, err
		}
		inv[Resource(r)] = n
	}
	return inv, rows.Err()
}

func (s *SQLiteStore) GetInventory(ctx context.Context, participantID string) (Inventory, error) {
	return inventoryTx(ctx, s.db, participantID)
}

// EnsureInventory creates the participant's inventory rows with the starter amounts the
// first time it is called and returns the current inventory.
func (s *SQLiteStore) EnsureInventory(ctx context.Context, participantID string, starter map[Resource]int) (Inventory, error) {
	var inv Inventory
	err := s.withTx(ctx, "EnsureInventory", func(ctx context.Context, tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory WHERE participant_id = ?`, participantID).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			for _, r := range Resources {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO inventory(participant_id, resource, amount) VALUES (?, ?, ?)`,
					participantID, string(r), max(0, starter[r])); err != nil {
					return fmt.Errorf("seed inventory %s: %w", participantID, err)
				}
			}
		}
		var err error
		inv, err = inventoryTx(ctx, tx, participantID)
		return err
	}, attribute.String("participant", participantID))
	return inv, err
}

func (s *SQLiteStore) DebitInventory(ctx context.Context, participantID string, resource Resource, amount int) (int, error) {
	var bal int
	err := s.withTx(ctx, "DebitInventory", func(ctx context.Context, tx *sql.Tx) error {
		if err := debitTx(ctx, tx, participantID, resource, amount); err != nil {
			return err
		}
		var err error
		bal, err = balanceTx(ctx, tx, participantID, resource)
		return err
	}, attribute.String("participant", participantID))
	return bal, err
}

func (s *SQLiteStore) CreditInventory(ctx context.Context, participantID string, resource Resource, amount int) (int, error) {
	var bal int
	err := s.withTx(ctx, "CreditInventory", func(ctx context.Context, tx *sql.Tx) error {
		if err := creditTx(ctx, tx, participantID, resource, amount); err != nil {
			return err
		}
		var err error
		bal, err = balanceTx(ctx, tx, participantID, resource)
		return err
	}, attribute.String("participant", participantID))
	return bal, err
}

// Transfer validates both sides before moving anything; on ErrInsufficient no balance changes.
func (s *SQLiteStore) Transfer(ctx context.Context, req TransferRequest) error {
	if req.A == "" || req.B == "" || req.A == req.B {
		return fmt.Errorf("transfer: invalid parties %q/%q", req.A, req.B)
	}
	return s.withTx(ctx, "Transfer", func(ctx context.Context, tx *sql.Tx) error {
		check := func(pid string, give map[Resource]int) error {
			for r, n := range give {
				if n < 0 {
					return fmt.Errorf("transfer: negative amount %d %s", n, r)
				}
				bal, err := balanceTx(ctx, tx, pid, r)
				if err != nil {
					return err
				}
				if bal < n {
					return fmt.Errorf("%s has %d %s, needs %d: %w", pid, bal, r, n, ErrInsufficient)
				}
			}
			return nil
		}
		if err := check(req.A, req.AToB); err != nil {
			return err
		}
		if err := check(req.B, req.BToA); err != nil {
			return err
		}
		move := func(from, to string, give map[Resource]int) error {
			for _, r := range Resources {
				n := give[r]
				if n == 0 {
					continue
				}
				if err := debitTx(ctx, tx, from, r, n); err != nil {
					return err
				}
				if err := creditTx(ctx, tx, to, r, n); err != nil {
					return err
				}
			}
			return nil
		}
		if err := move(req.A, req.B, req.AToB); err != nil {
			return err
		}
		return move(req.B, req.A, req.BToA)
	}, attribute.String("a", req.A), attribute.String("b", req.B))
}

// Participants.

func (s *SQLiteStore) GetParticipantRecord(ctx context.Context, participantID string) (ParticipantRecord, bool, error) {
	rec := ParticipantRecord{ID: participantID}
	var hasPos int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, x, y, has_position, color FROM participants WHERE participant_id = ?`, participantID,
	).Scan(&rec.Name, &rec.X, &rec.Y, &hasPos, &rec.Color)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("participant %s: %w", participantID, err)
	}
	rec.HasPosition = hasPos != 0
	return rec, true, nil
}

func (s *SQLiteStore) UpsertParticipantPosition(ctx context.Context, participantID, name string, x, y float64) error {
	return s.withTx(ctx, "UpsertParticipantPosition", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO participants(participant_id, name, x, y, has_position, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(participant_id) DO UPDATE SET
				name = CASE WHEN excluded.name = '' THEN name ELSE excluded.name END,
				x = excluded.x, y = excluded.y, has_position = 1, updated_at = excluded.updated_at`,
			participantID, name, x, y, s.nowMillis())
		return err
	}, attribute.String("participant", participantID))
}

func (s *SQLiteStore) UpsertParticipantColor(ctx context.Context, participantID, name, color string) error {
	return s.withTx(ctx, "UpsertParticipantColor", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO participants(participant_id, name, color, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(participant_id) DO UPDATE SET
				name = CASE WHEN excluded.name = '' THEN name ELSE excluded.name END,
				color = excluded.color, updated_at = excluded.updated_at`,
			participantID, name, color, s.nowMillis())
		return err
	}, attribute.String("participant", participantID))
}

// Stats returns the persisted constructive/harvest counters for reporting.
func (s *SQLiteStore) Stats(ctx context.Context, participantID string) (constructive, harvest int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT constructive, harvest FROM participant_stats WHERE participant_id = ?`, participantID,
	).Scan(&constructive, &harvest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return constructive, harvest, err
}
