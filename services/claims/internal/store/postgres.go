package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/db"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool db.Pool
}

func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS claims (
	id                       TEXT PRIMARY KEY,
	car_id                   TEXT NOT NULL,
	category                 TEXT NOT NULL,
	statement                TEXT NOT NULL,
	evidence_summary         TEXT NOT NULL,
	evidence_url             TEXT NOT NULL DEFAULT '',
	attachments              JSONB NOT NULL DEFAULT '[]'::jsonb,
	contributor_type         TEXT NOT NULL,
	contributor_display_name TEXT NOT NULL,
	contributor_wallet       TEXT NOT NULL DEFAULT '',
	canonical                TEXT NOT NULL,
	proof_hash               TEXT NOT NULL,
	anchor                   JSONB,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS claim_nonces (
	claim_id   TEXT NOT NULL REFERENCES claims(id),
	wallet     TEXT NOT NULL,
	nonce      BIGINT NOT NULL CHECK (nonce >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (claim_id, wallet)
);

CREATE TABLE IF NOT EXISTS anchor_history (
	id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	claim_id    TEXT NOT NULL REFERENCES claims(id),
	scheme      TEXT NOT NULL,
	program_id  TEXT NOT NULL,
	address     TEXT NOT NULL DEFAULT '',
	signature   TEXT NOT NULL,
	nonce       BIGINT NOT NULL,
	wallet      TEXT NOT NULL,
	anchored_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_car_created ON claims(car_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_anchor_history_claim ON anchor_history(claim_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgClaimColumns = `id, car_id, category, statement, evidence_summary, evidence_url, attachments,
	contributor_type, contributor_display_name, contributor_wallet, canonical, proof_hash, anchor, created_at, updated_at`

func (s *PostgresStore) CreateClaim(ctx context.Context, c *claim.Claim) error {
	attachments, err := marshalAttachments(c.Attachments)
	if err != nil {
		return err
	}
	anchor, err := marshalAnchor(c.Anchor)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO claims (`+pgClaimColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.CarID, string(c.Category), c.Statement, c.EvidenceSummary, c.EvidenceURL, attachments,
		string(c.Contributor.Type), c.Contributor.DisplayName, c.Contributor.Wallet, c.Canonical, c.ProofHash,
		anchor, c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert claim %s", c.ID)
}

func scanPgClaim(row pgx.Row) (*claim.Claim, error) {
	var (
		c                   claim.Claim
		category, role      string
		attachments, anchor []byte
	)
	err := row.Scan(&c.ID, &c.CarID, &category, &c.Statement, &c.EvidenceSummary, &c.EvidenceURL, &attachments,
		&role, &c.Contributor.DisplayName, &c.Contributor.Wallet, &c.Canonical, &c.ProofHash, &anchor,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Category = claim.Category(category)
	c.Contributor.Type = claim.Role(role)
	if err := unmarshalClaimJSON(&c, attachments, anchor); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetClaim(ctx context.Context, id string) (*claim.Claim, error) {
	c, err := scanPgClaim(s.pool.QueryRow(ctx, `SELECT `+pgClaimColumns+` FROM claims WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "claim %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get claim %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListClaimsByCar(ctx context.Context, carID string, limit int) ([]claim.Claim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgClaimColumns+` FROM claims WHERE car_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		carID, clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list claims for car %s", carID)
	}
	defer rows.Close()

	var out []claim.Claim
	for rows.Next() {
		c, err := scanPgClaim(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan claim")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate claims")
}

func (s *PostgresStore) CurrentNonce(ctx context.Context, claimID, wallet string) (uint64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT nonce FROM claim_nonces WHERE claim_id = $1 AND wallet = $2`,
		claimID, wallet,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: current nonce %s/%s", claimID, wallet)
	}
	return uint64(n), nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgCASNonce = `INSERT INTO claim_nonces (claim_id, wallet, nonce, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (claim_id, wallet) DO UPDATE SET nonce = EXCLUDED.nonce, updated_at = EXCLUDED.updated_at
WHERE claim_nonces.nonce < EXCLUDED.nonce
RETURNING nonce`

func pgCompareAndSet(ctx context.Context, q rowQuerier, claimID, wallet string, n uint64) (bool, error) {
	if n == 0 || n > maxNonce {
		return false, nil
	}
	var stored int64
	err := q.QueryRow(ctx, pgCASNonce, claimID, wallet, int64(n), time.Now().UTC()).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set nonce %s/%s", claimID, wallet)
	}
	return true, nil
}

func (s *PostgresStore) CompareAndSetNonce(ctx context.Context, claimID, wallet string, n uint64) (bool, error) {
	return pgCompareAndSet(ctx, s.pool, claimID, wallet, n)
}

func (s *PostgresStore) CommitAnchor(ctx context.Context, claimID string, rec claim.AnchorRecord) (bool, error) {
	anchor, err := marshalAnchor(&rec)
	if err != nil {
		return false, err
	}
	applied := false
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		ok, err := pgCompareAndSet(ctx, tx, claimID, rec.Wallet, rec.Nonce)
		if err != nil || !ok {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE claims SET anchor = $1, updated_at = $2 WHERE id = $3`,
			anchor, rec.AnchoredAt, claimID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update anchor %s", claimID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "claim %s", claimID)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO anchor_history (claim_id, scheme, program_id, address, signature, nonce, wallet, anchored_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			claimID, string(rec.Scheme), rec.ProgramID, rec.Address, rec.Signature, int64(rec.Nonce), rec.Wallet, rec.AnchoredAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert anchor history %s", claimID)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *PostgresStore) ListAnchorHistory(ctx context.Context, claimID string) ([]claim.AnchorRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scheme, program_id, address, signature, nonce, wallet, anchored_at FROM anchor_history WHERE claim_id = $1 ORDER BY id`,
		claimID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list anchor history %s", claimID)
	}
	defer rows.Close()

	var out []claim.AnchorRecord
	for rows.Next() {
		var (
			r      claim.AnchorRecord
			scheme string
			nonce  int64
		)
		if err := rows.Scan(&scheme, &r.ProgramID, &r.Address, &r.Signature, &nonce, &r.Wallet, &r.AnchoredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan anchor history")
		}
		r.Scheme = claim.AnchorScheme(scheme)
		r.Nonce = uint64(nonce)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate anchor history")
}
