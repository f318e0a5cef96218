package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/autotrust/autotrust/internal/config"
	"github.com/autotrust/autotrust/pkg/anchor"
	"github.com/autotrust/autotrust/pkg/db"
	"github.com/autotrust/autotrust/pkg/ledger"
	"github.com/autotrust/autotrust/pkg/ledger/memledger"
	"github.com/autotrust/autotrust/pkg/ledger/solana"
	"github.com/autotrust/autotrust/pkg/verify"
	"github.com/autotrust/autotrust/services/claims/internal/anchoring"
	"github.com/autotrust/autotrust/services/claims/internal/intake"
	"github.com/autotrust/autotrust/services/claims/internal/nonce"
	"github.com/autotrust/autotrust/services/claims/internal/receipts"
	"github.com/autotrust/autotrust/services/claims/internal/store"
)

// env holds the wired service graph shared by the commands.
type env struct {
	Store    store.Store
	Ledger   ledger.Client
	Schemes  anchor.Registry
	Nonces   *nonce.Ledger
	Intake   *intake.Service
	Receipts *receipts.Service
	Builder  *anchoring.Builder
	Verifier *verify.Verifier
}

func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		return store.NewSQLite(sc.DatabaseURL)
	case "postgres":
		pool, err := db.Connect(ctx, db.Config{
			DatabaseURL: sc.DatabaseURL,
			MaxConns:    sc.MaxConns,
			MinConns:    sc.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(pool), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

func initLedger(lc config.LedgerConfig) (ledger.Client, error) {
	if lc.Driver == "memory" {
		zap.L().Warn("using in-memory ledger, anchors do not survive a restart")
		var programs []string
		if lc.AnchorProgramID != "" {
			programs = append(programs, lc.AnchorProgramID)
		}
		return memledger.New(programs...), nil
	}
	client, err := solana.New(solana.Config{
		RPCURL:            lc.RPCURL,
		Commitment:        lc.Commitment,
		PollInterval:      lc.PollInterval(),
		RequestsPerSecond: lc.RequestsPerSecond,
	})
	if err != nil {
		return nil, eris.Wrap(err, "init solana client")
	}
	if ttl := lc.ReadCacheTTL(); ttl > 0 {
		return ledger.NewCachedClient(client, ttl, 2*ttl), nil
	}
	return client, nil
}

// initSchemes always enables memo anchoring; account anchoring needs a
// deployed program.
func initSchemes(lc config.LedgerConfig) (anchor.Registry, error) {
	schemes := []anchor.Scheme{anchor.NewMemoScheme(lc.MemoProgramID)}
	if lc.AnchorProgramID != "" {
		acct, err := anchor.NewAccountScheme(lc.AnchorProgramID)
		if err != nil {
			return nil, err
		}
		schemes = append(schemes, acct)
	}
	return anchor.NewRegistry(schemes...), nil
}

func initEnv(ctx context.Context, c *config.Config, mode string) (*env, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}
	schemes, err := initSchemes(c.Ledger)
	if err != nil {
		return nil, err
	}
	client, err := initLedger(c.Ledger)
	if err != nil {
		return nil, err
	}
	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	return wire(st, client, schemes, c.Ledger.ConfirmTimeout()), nil
}

func wire(st store.Store, client ledger.Client, schemes anchor.Registry, confirmTimeout time.Duration) *env {
	nonces := nonce.NewLedger(st)
	rs := receipts.NewService(st, nonces, client, schemes, confirmTimeout)
	return &env{
		Store:    st,
		Ledger:   client,
		Schemes:  schemes,
		Nonces:   nonces,
		Intake:   intake.NewService(st),
		Receipts: rs,
		Builder:  anchoring.NewBuilder(st, nonces, schemes, client, rs),
		Verifier: verify.New(client, schemes),
	}
}
