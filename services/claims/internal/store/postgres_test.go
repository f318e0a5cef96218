package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotrust/autotrust/pkg/claim"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var claimCols = []string{"id", "car_id", "category", "statement", "evidence_summary", "evidence_url", "attachments",
	"contributor_type", "contributor_display_name", "contributor_wallet", "canonical", "proof_hash", "anchor", "created_at", "updated_at"}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS claims`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateClaim(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := &claim.Claim{
		ID: "clm_1",
		Fields: claim.Fields{
			CarID: "car_1", Category: claim.CategorySafety, Statement: "s", EvidenceSummary: "e",
			Contributor: claim.Contributor{Type: claim.RoleMechanic, DisplayName: "Bo"},
		},
		Canonical: "{}", ProofHash: "ab", CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectExec(`INSERT INTO claims`).
		WithArgs("clm_1", "car_1", "safety", "s", "e", "", []byte("[]"), "mechanic", "Bo", "", "{}", "ab", []byte(nil), now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateClaim(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetClaim(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(`(?s)SELECT .* FROM claims WHERE id = \$1`).
		WithArgs("clm_1").
		WillReturnRows(pgxmock.NewRows(claimCols).AddRow(
			"clm_1", "car_1", "reliability", "s", "e", "", []byte(`[{"url":"https://a","originalName":"a","mimeType":"image/png","size":3}]`),
			"owner", "Ana", "W1", "{}", "ab", []byte(`{"scheme":"memo","programId":"P","proofPda":"","txSignature":"sig","nonce":2,"wallet":"W1","anchoredAt":"2026-01-02T03:04:05Z"}`),
			now, now,
		))

	c, err := s.GetClaim(context.Background(), "clm_1")
	require.NoError(t, err)
	assert.Equal(t, claim.CategoryReliability, c.Category)
	assert.Equal(t, claim.RoleOwner, c.Contributor.Type)
	require.Len(t, c.Attachments, 1)
	assert.Equal(t, int64(3), c.Attachments[0].Size)
	require.NotNil(t, c.Anchor)
	assert.Equal(t, uint64(2), c.Anchor.Nonce)
	assert.True(t, c.Anchored())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetClaim_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`(?s)SELECT .* FROM claims WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetClaim(context.Background(), "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListClaimsByCar_ClampsLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`FROM claims WHERE car_id = \$1 ORDER BY created_at DESC, id DESC LIMIT \$2`).
		WithArgs("car_1", 200).
		WillReturnRows(pgxmock.NewRows(claimCols).
			AddRow("clm_2", "car_1", "comfort", "s", "e", "", []byte(`[]`), "owner", "A", "", "{}", "ab", []byte(nil), now, now).
			AddRow("clm_1", "car_1", "comfort", "s", "e", "", []byte(`[]`), "owner", "A", "", "{}", "ab", []byte(nil), now, now))

	cs, err := s.ListClaimsByCar(context.Background(), "car_1", 5000)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, "clm_2", cs[0].ID)
	assert.Nil(t, cs[0].Anchor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CurrentNonce(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT nonce FROM claim_nonces`).
		WithArgs("clm_1", "W1").
		WillReturnRows(pgxmock.NewRows([]string{"nonce"}).AddRow(int64(4)))
	mock.ExpectQuery(`SELECT nonce FROM claim_nonces`).
		WithArgs("clm_1", "W2").
		WillReturnError(pgx.ErrNoRows)

	n, err := s.CurrentNonce(context.Background(), "clm_1", "W1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	n, err = s.CurrentNonce(context.Background(), "clm_1", "W2")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSetNonce(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`(?s)INSERT INTO claim_nonces.*ON CONFLICT \(claim_id, wallet\) DO UPDATE.*WHERE claim_nonces.nonce < EXCLUDED.nonce\s+RETURNING nonce`).
		WithArgs("clm_1", "W1", int64(1), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"nonce"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO claim_nonces`).
		WithArgs("clm_1", "W1", int64(1), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	ok, err := s.CompareAndSetNonce(context.Background(), "clm_1", "W1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CompareAndSetNonce(context.Background(), "clm_1", "W1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSetNonce(context.Background(), "clm_1", "W1", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testRecord(nonce uint64) claim.AnchorRecord {
	return claim.AnchorRecord{
		Scheme: claim.SchemeMemo, ProgramID: "P", Signature: "sig", Nonce: nonce, Wallet: "W1",
		AnchoredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPostgresStore_CommitAnchor(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := testRecord(2)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO claim_nonces`).
		WithArgs("clm_1", "W1", int64(2), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"nonce"}).AddRow(int64(2)))
	mock.ExpectExec(`UPDATE claims SET anchor = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs(pgxmock.AnyArg(), rec.AnchoredAt, "clm_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO anchor_history`).
		WithArgs("clm_1", "memo", "P", "", "sig", int64(2), "W1", rec.AnchoredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ok, err := s.CommitAnchor(context.Background(), "clm_1", rec)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitAnchor_StaleWritesNothing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO claim_nonces`).
		WithArgs("clm_1", "W1", int64(1), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	ok, err := s.CommitAnchor(context.Background(), "clm_1", testRecord(1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitAnchor_MissingClaimRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO claim_nonces`).
		WithArgs("clm_x", "W1", int64(1), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"nonce"}).AddRow(int64(1)))
	mock.ExpectExec(`UPDATE claims SET anchor`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "clm_x").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := s.CommitAnchor(context.Background(), "clm_x", testRecord(1))
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAnchorHistory(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(`FROM anchor_history WHERE claim_id = \$1 ORDER BY id`).
		WithArgs("clm_1").
		WillReturnRows(pgxmock.NewRows([]string{"scheme", "program_id", "address", "signature", "nonce", "wallet", "anchored_at"}).
			AddRow("memo", "P", "", "sig1", int64(1), "W1", at).
			AddRow("account", "Q", "PDA", "sig2", int64(2), "W1", at))

	hs, err := s.ListAnchorHistory(context.Background(), "clm_1")
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, claim.SchemeAccount, hs[1].Scheme)
	assert.Equal(t, uint64(2), hs[1].Nonce)
	assert.NoError(t, mock.ExpectationsWereMet())
}
