package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/autotrust/autotrust/pkg/claim"
)

// sqliteTime is fixed width so text ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite. A single
// connection serializes writers, which makes the nonce upsert atomic.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS claims (
	id                       TEXT PRIMARY KEY,
	car_id                   TEXT NOT NULL,
	category                 TEXT NOT NULL,
	statement                TEXT NOT NULL,
	evidence_summary         TEXT NOT NULL,
	evidence_url             TEXT NOT NULL DEFAULT '',
	attachments              TEXT NOT NULL DEFAULT '[]',
	contributor_type         TEXT NOT NULL,
	contributor_display_name TEXT NOT NULL,
	contributor_wallet       TEXT NOT NULL DEFAULT '',
	canonical                TEXT NOT NULL,
	proof_hash               TEXT NOT NULL,
	anchor                   TEXT,
	created_at               TEXT NOT NULL,
	updated_at               TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS claim_nonces (
	claim_id   TEXT NOT NULL REFERENCES claims(id),
	wallet     TEXT NOT NULL,
	nonce      INTEGER NOT NULL CHECK (nonce >= 0),
	updated_at TEXT NOT NULL,
	PRIMARY KEY (claim_id, wallet)
);

CREATE TABLE IF NOT EXISTS anchor_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	claim_id    TEXT NOT NULL REFERENCES claims(id),
	scheme      TEXT NOT NULL,
	program_id  TEXT NOT NULL,
	address     TEXT NOT NULL DEFAULT '',
	signature   TEXT NOT NULL,
	nonce       INTEGER NOT NULL,
	wallet      TEXT NOT NULL,
	anchored_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_car_created ON claims(car_id, created_at);
CREATE INDEX IF NOT EXISTS idx_anchor_history_claim ON anchor_history(claim_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTime) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

const sqliteClaimColumns = `id, car_id, category, statement, evidence_summary, evidence_url, attachments,
	contributor_type, contributor_display_name, contributor_wallet, canonical, proof_hash, anchor, created_at, updated_at`

func (s *SQLiteStore) CreateClaim(ctx context.Context, c *claim.Claim) error {
	attachments, err := marshalAttachments(c.Attachments)
	if err != nil {
		return err
	}
	anchor, err := marshalAnchor(c.Anchor)
	if err != nil {
		return err
	}
	var anchorText sql.NullString
	if anchor != nil {
		anchorText = sql.NullString{String: string(anchor), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO claims (`+sqliteClaimColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CarID, string(c.Category), c.Statement, c.EvidenceSummary, c.EvidenceURL, string(attachments),
		string(c.Contributor.Type), c.Contributor.DisplayName, c.Contributor.Wallet, c.Canonical, c.ProofHash,
		anchorText, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert claim %s", c.ID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteClaim(row scanner) (*claim.Claim, error) {
	var (
		c                    claim.Claim
		category, role       string
		attachments          string
		anchor               sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.CarID, &category, &c.Statement, &c.EvidenceSummary, &c.EvidenceURL, &attachments,
		&role, &c.Contributor.DisplayName, &c.Contributor.Wallet, &c.Canonical, &c.ProofHash, &anchor,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Category = claim.Category(category)
	c.Contributor.Type = claim.Role(role)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	var anchorJSON []byte
	if anchor.Valid {
		anchorJSON = []byte(anchor.String)
	}
	if err := unmarshalClaimJSON(&c, []byte(attachments), anchorJSON); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) GetClaim(ctx context.Context, id string) (*claim.Claim, error) {
	c, err := scanSQLiteClaim(s.db.QueryRowContext(ctx, `SELECT `+sqliteClaimColumns+` FROM claims WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "claim %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get claim %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) ListClaimsByCar(ctx context.Context, carID string, limit int) ([]claim.Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteClaimColumns+` FROM claims WHERE car_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		carID, clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list claims for car %s", carID)
	}
	defer rows.Close()

	var out []claim.Claim
	for rows.Next() {
		c, err := scanSQLiteClaim(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan claim")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate claims")
}

func (s *SQLiteStore) CurrentNonce(ctx context.Context, claimID, wallet string) (uint64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT nonce FROM claim_nonces WHERE claim_id = ? AND wallet = ?`,
		claimID, wallet,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: current nonce %s/%s", claimID, wallet)
	}
	return uint64(n), nil
}

type sqlRowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sqliteCASNonce = `INSERT INTO claim_nonces (claim_id, wallet, nonce, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (claim_id, wallet) DO UPDATE SET nonce = excluded.nonce, updated_at = excluded.updated_at
WHERE claim_nonces.nonce < excluded.nonce
RETURNING nonce`

func sqliteCompareAndSet(ctx context.Context, q sqlRowQuerier, claimID, wallet string, n uint64) (bool, error) {
	if n == 0 || n > maxNonce {
		return false, nil
	}
	var stored int64
	err := q.QueryRowContext(ctx, sqliteCASNonce, claimID, wallet, int64(n), formatTime(time.Now())).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: set nonce %s/%s", claimID, wallet)
	}
	return true, nil
}

func (s *SQLiteStore) CompareAndSetNonce(ctx context.Context, claimID, wallet string, n uint64) (bool, error) {
	return sqliteCompareAndSet(ctx, s.db, claimID, wallet, n)
}

func (s *SQLiteStore) CommitAnchor(ctx context.Context, claimID string, rec claim.AnchorRecord) (bool, error) {
	anchor, err := marshalAnchor(&rec)
	if err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	ok, err := sqliteCompareAndSet(ctx, tx, claimID, rec.Wallet, rec.Nonce)
	if err != nil || !ok {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE claims SET anchor = ?, updated_at = ? WHERE id = ?`,
		string(anchor), formatTime(rec.AnchoredAt), claimID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update anchor %s", claimID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, eris.Wrapf(ErrNotFound, "claim %s", claimID)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO anchor_history (claim_id, scheme, program_id, address, signature, nonce, wallet, anchored_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		claimID, string(rec.Scheme), rec.ProgramID, rec.Address, rec.Signature, int64(rec.Nonce), rec.Wallet, formatTime(rec.AnchoredAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert anchor history %s", claimID)
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit")
	}
	return true, nil
}

func (s *SQLiteStore) ListAnchorHistory(ctx context.Context, claimID string) ([]claim.AnchorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scheme, program_id, address, signature, nonce, wallet, anchored_at FROM anchor_history WHERE claim_id = ? ORDER BY id`,
		claimID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list anchor history %s", claimID)
	}
	defer rows.Close()

	var out []claim.AnchorRecord
	for rows.Next() {
		var (
			r          claim.AnchorRecord
			scheme, at string
			nonce      int64
		)
		if err := rows.Scan(&scheme, &r.ProgramID, &r.Address, &r.Signature, &nonce, &r.Wallet, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan anchor history")
		}
		r.Scheme = claim.AnchorScheme(scheme)
		r.Nonce = uint64(nonce)
		if r.AnchoredAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate anchor history")
}
