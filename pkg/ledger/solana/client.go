// Package solana is a ledger.Client over the Solana JSON-RPC API.
package solana

import (
	"context"
	"errors"
	"net/http"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/autotrust/autotrust/pkg/ledger"
)

const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"

	// Preflight simulation failures come back with this code.
	codeSendTransactionPreflightFailure = -32002
)

var commitmentRank = map[string]int{
	CommitmentProcessed: 0,
	CommitmentConfirmed: 1,
	CommitmentFinalized: 2,
}

type Config struct {
	RPCURL            string
	Commitment        string
	PollInterval      time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

type Client struct {
	cfg        Config
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	limiter    *rate.Limiter
}

var _ ledger.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, eris.New("solana: rpc url is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentConfirmed
	}
	if _, ok := commitmentRank[cfg.Commitment]; !ok {
		return nil, eris.Errorf("solana: unknown commitment %q", cfg.Commitment)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	conn := jsonrpc.NewClientWithOpts(cfg.RPCURL, &jsonrpc.RPCClientOpts{HTTPClient: hc})
	return &Client{
		cfg:        cfg,
		rpc:        rpc.NewWithCustomRPCClient(conn),
		commitment: rpc.CommitmentType(cfg.Commitment),
		limiter:    rate.NewLimiter(limit, 1),
	}, nil
}

func (c *Client) wait(ctx context.Context, method string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "solana: %s", method)
	}
	return nil
}

// classify maps an rpc failure onto the ledger sentinels.
func classify(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil {
		return eris.Wrapf(ctx.Err(), "solana: %s", method)
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return eris.Wrapf(ledger.ErrNotFound, "solana: %s", method)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == codeSendTransactionPreflightFailure {
			return eris.Wrapf(ledger.ErrTxFailed, "solana: %s: %s", method, rpcErr.Message)
		}
		return eris.Wrapf(ledger.ErrUnavailable, "solana: %s: rpc %d %s", method, rpcErr.Code, rpcErr.Message)
	}
	return eris.Wrapf(ledger.ErrUnavailable, "solana: %s: %v", method, err)
}

func toInstruction(ix ledger.Instruction) (sol.Instruction, error) {
	program, err := sol.PublicKeyFromBase58(ix.ProgramID)
	if err != nil {
		return nil, eris.Errorf("solana: invalid program id %q", ix.ProgramID)
	}
	metas := make(sol.AccountMetaSlice, 0, len(ix.Accounts))
	for _, a := range ix.Accounts {
		k, err := sol.PublicKeyFromBase58(a.Address)
		if err != nil {
			return nil, eris.Errorf("solana: invalid account key %q", a.Address)
		}
		metas = append(metas, sol.NewAccountMeta(k, a.Writable, a.Signer))
	}
	return sol.NewInstruction(program, metas, ix.Data), nil
}

func (c *Client) Submit(ctx context.Context, ix ledger.Instruction, signer ledger.Signer) (string, error) {
	payer, err := sol.PublicKeyFromBase58(signer.PublicKey())
	if err != nil {
		return "", eris.Errorf("solana: invalid fee payer %q", signer.PublicKey())
	}
	inst, err := toInstruction(ix)
	if err != nil {
		return "", err
	}
	if err := c.wait(ctx, "getLatestBlockhash"); err != nil {
		return "", err
	}
	bh, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return "", classify(ctx, "getLatestBlockhash", err)
	}
	tx, err := sol.NewTransaction([]sol.Instruction{inst}, bh.Value.Blockhash, sol.TransactionPayer(payer))
	if err != nil {
		return "", eris.Wrap(err, "solana: build transaction")
	}
	if n := tx.Message.Header.NumRequiredSignatures; n != 1 {
		return "", eris.Errorf("solana: instruction needs %d signers, only the fee payer can sign", n)
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return "", eris.Wrap(err, "solana: encode message")
	}
	raw, err := signer.Sign(msg)
	if err != nil {
		return "", eris.Wrap(err, "solana: sign transaction")
	}
	var sig sol.Signature
	if len(raw) != len(sig) {
		return "", eris.Errorf("solana: signature is %d bytes", len(raw))
	}
	copy(sig[:], raw)
	tx.Signatures = []sol.Signature{sig}

	if err := c.wait(ctx, "sendTransaction"); err != nil {
		return "", err
	}
	out, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: c.commitment})
	if err != nil {
		return "", classify(ctx, "sendTransaction", err)
	}
	zap.L().Info("solana transaction submitted",
		zap.String("signature", out.String()),
		zap.String("program", ix.ProgramID),
		zap.String("fee_payer", payer.String()),
	)
	return out.String(), nil
}

func (c *Client) status(ctx context.Context, sig sol.Signature) (*rpc.SignatureStatusesResult, error) {
	if err := c.wait(ctx, "getSignatureStatuses"); err != nil {
		return nil, err
	}
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, classify(ctx, "getSignatureStatuses", err)
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

func (c *Client) Confirm(ctx context.Context, signature string) error {
	sig, err := sol.SignatureFromBase58(signature)
	if err != nil {
		return eris.Wrapf(ledger.ErrNotFound, "solana: invalid signature %q", signature)
	}
	want := commitmentRank[c.cfg.Commitment]
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		st, err := c.status(ctx, sig)
		if err != nil && ctx.Err() != nil {
			return eris.Wrapf(ctx.Err(), "solana: confirm %s", signature)
		}
		if err != nil {
			zap.L().Warn("solana status poll failed", zap.String("signature", signature), zap.Error(err))
		} else if st != nil {
			if st.Err != nil {
				return eris.Wrapf(ledger.ErrTxFailed, "solana: %s: %v", signature, st.Err)
			}
			if rank, ok := commitmentRank[string(st.ConfirmationStatus)]; ok && rank >= want {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return eris.Wrapf(ctx.Err(), "solana: confirm %s", signature)
		case <-t.C:
		}
	}
}

func (c *Client) Read(ctx context.Context, ref ledger.Reference) (ledger.Record, error) {
	switch ref.Kind {
	case ledger.RefTransaction:
		return c.readTransaction(ctx, ref)
	case ledger.RefAccount:
		return c.readAccount(ctx, ref)
	default:
		return ledger.Record{}, eris.Errorf("solana: unknown reference kind %q", ref.Kind)
	}
}

func (c *Client) readCommitment() rpc.CommitmentType {
	// getTransaction does not serve processed data.
	if c.cfg.Commitment == CommitmentProcessed {
		return rpc.CommitmentConfirmed
	}
	return c.commitment
}

func (c *Client) readTransaction(ctx context.Context, ref ledger.Reference) (ledger.Record, error) {
	sig, err := sol.SignatureFromBase58(ref.Value)
	if err != nil {
		return ledger.Record{}, eris.Wrapf(ledger.ErrNotFound, "invalid signature %q", ref.Value)
	}
	if err := c.wait(ctx, "getTransaction"); err != nil {
		return ledger.Record{}, err
	}
	var maxVersion uint64
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       sol.EncodingBase64,
		Commitment:                     c.readCommitment(),
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return ledger.Record{}, classify(ctx, "getTransaction", err)
	}
	if out == nil || out.Transaction == nil {
		return ledger.Record{}, eris.Wrapf(ledger.ErrNotFound, "transaction %s", ref.Value)
	}
	if out.Meta != nil && out.Meta.Err != nil {
		return ledger.Record{}, eris.Wrapf(ledger.ErrNotFound, "transaction %s failed on chain", ref.Value)
	}
	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return ledger.Record{}, eris.Wrapf(err, "solana: transaction %s", ref.Value)
	}
	return ledger.Record{
		Payloads: instructionData(tx, ref.Program),
		Signers:  verifiedSigners(tx),
		Slot:     out.Slot,
	}, nil
}

func (c *Client) readAccount(ctx context.Context, ref ledger.Reference) (ledger.Record, error) {
	addr, err := sol.PublicKeyFromBase58(ref.Value)
	if err != nil {
		return ledger.Record{}, eris.Wrapf(ledger.ErrNotFound, "invalid account address %q", ref.Value)
	}
	if err := c.wait(ctx, "getAccountInfo"); err != nil {
		return ledger.Record{}, err
	}
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Encoding:   sol.EncodingBase64,
		Commitment: c.commitment,
	})
	if err != nil {
		return ledger.Record{}, classify(ctx, "getAccountInfo", err)
	}
	if out == nil || out.Value == nil || out.Value.Data == nil {
		return ledger.Record{}, eris.Wrapf(ledger.ErrNotFound, "account %s", ref.Value)
	}
	return ledger.Record{
		Payloads: [][]byte{out.Value.Data.GetBinary()},
		Owner:    out.Value.Owner.String(),
		Slot:     out.Context.Slot,
	}, nil
}

// verifiedSigners returns the signer keys whose signatures check out over
// the message bytes.
func verifiedSigners(tx *sol.Transaction) []string {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil
	}
	keys := tx.Message.AccountKeys
	var out []string
	for i, sig := range tx.Signatures {
		if i >= len(keys) || sig == (sol.Signature{}) {
			continue
		}
		if sig.Verify(keys[i], msg) {
			out = append(out, keys[i].String())
		}
	}
	return out
}

// instructionData collects the data of every instruction sent to programID.
// Program ids are always static keys, so lookup tables need no resolving.
func instructionData(tx *sol.Transaction, programID string) [][]byte {
	keys := tx.Message.AccountKeys
	var out [][]byte
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			continue
		}
		if keys[ix.ProgramIDIndex].String() == programID {
			out = append(out, []byte(ix.Data))
		}
	}
	return out
}
