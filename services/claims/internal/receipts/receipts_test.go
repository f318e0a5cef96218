package receipts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotrust/autotrust/pkg/anchor"
	"github.com/autotrust/autotrust/pkg/canonical"
	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/ledger"
	"github.com/autotrust/autotrust/pkg/ledger/memledger"
	"github.com/autotrust/autotrust/pkg/proofhash"
	"github.com/autotrust/autotrust/services/claims/internal/nonce"
	"github.com/autotrust/autotrust/services/claims/internal/store"
)

var accountProgram = memledger.NewSigner(9).PublicKey()

type fixture struct {
	st      *store.SQLiteStore
	ledger  *memledger.Ledger
	wallet  *memledger.Signer
	memo    *anchor.MemoScheme
	account *anchor.AccountScheme
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	acct, err := anchor.NewAccountScheme(accountProgram)
	require.NoError(t, err)
	memo := anchor.NewMemoScheme("")
	l := memledger.New(accountProgram)
	svc := NewService(st, nonce.NewLedger(st), l, anchor.NewRegistry(memo, acct), 50*time.Millisecond)
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{st: st, ledger: l, wallet: memledger.NewSigner(1), memo: memo, account: acct, svc: svc}
}

func (fx *fixture) seedClaim(t *testing.T, id string) *claim.Claim {
	t.Helper()
	f := claim.Fields{
		CarID:           "car_1",
		Category:        claim.CategorySafety,
		Statement:       "Airbag warning light after recall work",
		EvidenceSummary: "Workshop report",
		Contributor:     claim.Contributor{Type: claim.RoleMechanic, DisplayName: "Ion", Wallet: fx.wallet.PublicKey()},
	}
	canon := canonical.Canonicalize(f)
	now := time.Now().UTC()
	c := &claim.Claim{ID: id, Fields: f, Canonical: string(canon), ProofHash: proofhash.Sum(canon).Hex(), CreatedAt: now, UpdatedAt: now}
	require.NoError(t, fx.st.CreateClaim(context.Background(), c))
	return c
}

// send writes a binding for c at nonce n through scheme and returns the
// transaction signature.
func (fx *fixture) send(t *testing.T, c *claim.Claim, scheme anchor.Scheme, signer ledger.Signer, n uint64) (string, anchor.Payload) {
	t.Helper()
	p, err := scheme.Encode(anchor.NewBinding(c.ID, []byte(c.Canonical), fx.wallet.PublicKey(), n))
	require.NoError(t, err)
	sig, err := fx.ledger.Submit(context.Background(), p.Instruction, signer)
	require.NoError(t, err)
	return sig, p
}

func (fx *fixture) assertUnanchored(t *testing.T, claimID string) {
	t.Helper()
	got, err := fx.st.GetClaim(context.Background(), claimID)
	require.NoError(t, err)
	assert.Nil(t, got.Anchor)
	n, err := fx.st.CurrentNonce(context.Background(), claimID, fx.wallet.PublicKey())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func ptr(n uint64) *uint64 { return &n }

func TestRecordMemoReceipt(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	sig, _ := fx.send(t, c, fx.memo, fx.wallet, 1)

	rec, err := fx.svc.Record(context.Background(), c.ID, Receipt{
		Scheme: claim.SchemeMemo, Signature: sig, Wallet: fx.wallet.PublicKey(), Nonce: ptr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Nonce)
	assert.Equal(t, anchor.MemoProgramID, rec.ProgramID)
	assert.Empty(t, rec.Address)

	got, err := fx.st.GetClaim(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Anchor)
	assert.Equal(t, sig, got.Anchor.Signature)
	n, err := fx.st.CurrentNonce(context.Background(), c.ID, fx.wallet.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestRecordAccountReceipt(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	sig, p := fx.send(t, c, fx.account, fx.wallet, 2)

	rec, err := fx.svc.Record(context.Background(), c.ID, Receipt{
		Scheme: claim.SchemeAccount, ProgramID: accountProgram, Address: p.Address,
		Signature: sig, Wallet: fx.wallet.PublicKey(),
	})
	require.NoError(t, err)
	assert.Equal(t, p.Address, rec.Address)
	assert.Equal(t, uint64(2), rec.Nonce)
}

func TestRecordNonceComesFromLedger(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	sig, _ := fx.send(t, c, fx.memo, fx.wallet, 1)

	_, err := fx.svc.Record(context.Background(), c.ID, Receipt{
		Scheme: claim.SchemeMemo, Signature: sig, Wallet: fx.wallet.PublicKey(), Nonce: ptr(7),
	})
	assert.True(t, eris.Is(err, ErrNonceMismatch))
	fx.assertUnanchored(t, c.ID)
}

func TestRecordReplayIsStale(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	sig, _ := fx.send(t, c, fx.memo, fx.wallet, 1)
	r := Receipt{Scheme: claim.SchemeMemo, Signature: sig, Wallet: fx.wallet.PublicKey()}

	_, err := fx.svc.Record(context.Background(), c.ID, r)
	require.NoError(t, err)
	_, err = fx.svc.Record(context.Background(), c.ID, r)
	assert.True(t, eris.Is(err, nonce.ErrStaleNonce))

	history, err := fx.st.ListAnchorHistory(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRecordNewerAnchorReplacesActive(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	sig1, _ := fx.send(t, c, fx.memo, fx.wallet, 1)
	sig2, _ := fx.send(t, c, fx.memo, fx.wallet, 2)

	_, err := fx.svc.Record(context.Background(), c.ID, Receipt{Signature: sig1, Wallet: fx.wallet.PublicKey()})
	require.NoError(t, err)
	_, err = fx.svc.Record(context.Background(), c.ID, Receipt{Signature: sig2, Wallet: fx.wallet.PublicKey()})
	require.NoError(t, err)

	got, err := fx.st.GetClaim(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, sig2, got.Anchor.Signature)
}

func TestRecordPendingWritesNothing(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	sig, _ := fx.send(t, c, fx.memo, fx.wallet, 1)
	fx.ledger.SetConfirmMode(memledger.ConfirmNever)

	_, err := fx.svc.Record(context.Background(), c.ID, Receipt{Signature: sig, Wallet: fx.wallet.PublicKey()})
	assert.True(t, eris.Is(err, ErrPending))
	fx.assertUnanchored(t, c.ID)
}

func TestRecordFailedTransaction(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	sig, _ := fx.send(t, c, fx.memo, fx.wallet, 1)
	fx.ledger.SetConfirmMode(memledger.ConfirmFail)

	_, err := fx.svc.Record(context.Background(), c.ID, Receipt{Signature: sig, Wallet: fx.wallet.PublicKey()})
	assert.True(t, eris.Is(err, ledger.ErrTxFailed))
	fx.assertUnanchored(t, c.ID)
}

func TestRecordRejectsOtherSigner(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	sig, _ := fx.send(t, c, fx.memo, memledger.NewSigner(2), 1)

	_, err := fx.svc.Record(context.Background(), c.ID, Receipt{Signature: sig, Wallet: fx.wallet.PublicKey()})
	assert.True(t, eris.Is(err, ErrNotVerified))
	fx.assertUnanchored(t, c.ID)
}

func TestRecordRejectsBindingForOtherClaim(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	other := fx.seedClaim(t, "clm_2")
	sig, _ := fx.send(t, other, fx.memo, fx.wallet, 1)

	_, err := fx.svc.Record(context.Background(), c.ID, Receipt{Signature: sig, Wallet: fx.wallet.PublicKey()})
	assert.True(t, eris.Is(err, ErrNotVerified))
	fx.assertUnanchored(t, c.ID)
}

func TestRecordRejectsWrongHash(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	forged := *c
	forged.Canonical = `{"carId":"car_2"}`
	sig, _ := fx.send(t, &forged, fx.memo, fx.wallet, 1)

	_, err := fx.svc.Record(context.Background(), c.ID, Receipt{Signature: sig, Wallet: fx.wallet.PublicKey()})
	assert.True(t, eris.Is(err, ErrNotVerified))
	fx.assertUnanchored(t, c.ID)
}

func TestRecordRejectsDeclaredAddressMismatch(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	sig, _ := fx.send(t, c, fx.account, fx.wallet, 1)

	_, err := fx.svc.Record(context.Background(), c.ID, Receipt{
		Scheme: claim.SchemeAccount, Address: memledger.NewSigner(7).PublicKey(),
		Signature: sig, Wallet: fx.wallet.PublicKey(),
	})
	assert.True(t, eris.Is(err, ErrNotVerified))
}

func TestRecordValidation(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	cases := map[string]Receipt{
		"txSignature": {Wallet: fx.wallet.PublicKey()},
		"wallet":      {Signature: "sig"},
		"scheme":      {Scheme: "bitcoin", Signature: "sig", Wallet: fx.wallet.PublicKey()},
		"programId":   {ProgramID: accountProgram, Signature: "sig", Wallet: fx.wallet.PublicKey()},
	}
	for field, r := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := fx.svc.Record(context.Background(), c.ID, r)
			var ve *claim.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, field, ve.Field)
		})
	}
}

func TestRecordUnknownClaim(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.Record(context.Background(), "clm_missing", Receipt{Signature: "sig", Wallet: fx.wallet.PublicKey()})
	assert.True(t, eris.Is(err, store.ErrNotFound))
}

// racingStore lets a concurrent writer take the nonce between the receipt's
// pre-check and its commit.
type racingStore struct {
	*store.SQLiteStore
}

func (s racingStore) CommitAnchor(ctx context.Context, claimID string, rec claim.AnchorRecord) (bool, error) {
	if _, err := s.CompareAndSetNonce(ctx, claimID, rec.Wallet, rec.Nonce); err != nil {
		return false, err
	}
	return s.SQLiteStore.CommitAnchor(ctx, claimID, rec)
}

func TestRecordLosesConcurrentCommit(t *testing.T) {
	fx := newFixture(t)
	c := fx.seedClaim(t, "clm_1")
	sig, _ := fx.send(t, c, fx.memo, fx.wallet, 1)

	svc := NewService(racingStore{fx.st}, nonce.NewLedger(fx.st), fx.ledger, anchor.NewRegistry(fx.memo), 50*time.Millisecond)
	_, err := svc.Record(context.Background(), c.ID, Receipt{
		Scheme: claim.SchemeMemo, Signature: sig, Wallet: fx.wallet.PublicKey(), Nonce: ptr(1),
	})
	assert.True(t, eris.Is(err, nonce.ErrStaleNonce))

	got, err := fx.st.GetClaim(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Anchor)
}
