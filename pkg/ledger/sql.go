package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLLedger stores epochs in SQLite or Postgres.
type SQLLedger struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn with driver and ensures the schema exists.
func Open(ctx context.Context, driver, dsn string) (*SQLLedger, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, conform.Newf(conform.ReasonConfigInvalid, "ledger driver %q is not sqlite or postgres", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if driver == DriverSQLite {
		// One writer; concurrent connections would only contend on the file lock.
		db.SetMaxOpenConns(1)
	}
	l := NewSQLLedger(db, driver)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLLedger wraps an open database. Call Init before first use.
func NewSQLLedger(db *sql.DB, driver string) *SQLLedger {
	return &SQLLedger{db: db, driver: driver}
}

const schema = `
CREATE TABLE IF NOT EXISTS custody_epochs (
	seq BIGINT PRIMARY KEY,
	epoch_id TEXT NOT NULL UNIQUE,
	prior_epoch TEXT NOT NULL,
	prior_fingerprint TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	chain_final TEXT NOT NULL,
	merkle_root TEXT NOT NULL,
	sealed_at TEXT NOT NULL,
	prev_entry_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL
)`

// Init creates the table if it does not exist.
func (l *SQLLedger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// q rewrites "?" placeholders to "$n" for Postgres.
func (l *SQLLedger) q(query string) string {
	if l.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const columns = `seq, epoch_id, prior_epoch, prior_fingerprint, fingerprint, chain_final, merkle_root, sealed_at, prev_entry_hash, entry_hash`

func (l *SQLLedger) Append(ctx context.Context, r EpochRecord) (EpochRecord, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return EpochRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanOne(tx.QueryRowContext(ctx, l.q(`SELECT `+columns+` FROM custody_epochs WHERE epoch_id = ?`), r.EpochID))
	switch {
	case err == nil:
		if existing.Fingerprint == r.Fingerprint {
			return existing, nil
		}
		return EpochRecord{}, conform.Newf(conform.ReasonLedgerLinkBroken,
			"epoch %s is already recorded with fingerprint %s; seal changes as a new epoch", r.EpochID, short(existing.Fingerprint))
	case !errors.Is(err, ErrNotFound):
		return EpochRecord{}, err
	}

	var tailSeq int64
	tailHash := GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT seq, entry_hash FROM custody_epochs ORDER BY seq DESC LIMIT 1`).Scan(&tailSeq, &tailHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return EpochRecord{}, fmt.Errorf("read ledger tail: %w", err)
	}

	r.Seq = tailSeq + 1
	r.PrevEntryHash = tailHash
	r.SealedAt = r.SealedAt.UTC()
	if r.EntryHash, err = computeEntryHash(r); err != nil {
		return EpochRecord{}, err
	}

	_, err = tx.ExecContext(ctx, l.q(`INSERT INTO custody_epochs (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.Seq, r.EpochID, r.Prior, r.PriorFingerprint, r.Fingerprint, r.ChainFinal, r.MerkleRoot,
		r.SealedAt.Format(time.RFC3339Nano), r.PrevEntryHash, r.EntryHash)
	if err != nil {
		return EpochRecord{}, fmt.Errorf("insert ledger row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return EpochRecord{}, err
	}
	return r, nil
}

func (l *SQLLedger) Get(ctx context.Context, epochID string) (EpochRecord, error) {
	return scanOne(l.db.QueryRowContext(ctx, l.q(`SELECT `+columns+` FROM custody_epochs WHERE epoch_id = ?`), epochID))
}

func (l *SQLLedger) List(ctx context.Context) ([]EpochRecord, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+columns+` FROM custody_epochs ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EpochRecord
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *SQLLedger) Close() error { return l.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (EpochRecord, error) {
	var r EpochRecord
	var sealedAt string
	err := s.Scan(&r.Seq, &r.EpochID, &r.Prior, &r.PriorFingerprint, &r.Fingerprint, &r.ChainFinal,
		&r.MerkleRoot, &sealedAt, &r.PrevEntryHash, &r.EntryHash)
	if err != nil {
		return EpochRecord{}, err
	}
	if r.SealedAt, err = time.Parse(time.RFC3339Nano, sealedAt); err != nil {
		return EpochRecord{}, fmt.Errorf("corrupt sealed_at for %s: %w", r.EpochID, err)
	}
	return r, nil
}

func scanOne(row *sql.Row) (EpochRecord, error) {
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EpochRecord{}, ErrNotFound
	}
	return r, err
}
