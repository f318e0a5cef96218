// Package claimsclient is a Go client for the claims HTTP API, including the
// wallet-side anchoring flow: prepare, sign and send, then report the receipt.
package claimsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/ledger"
	"github.com/autotrust/autotrust/pkg/verify"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

// APIError is a non-2xx response, or a 202 for a receipt whose transaction
// is not confirmed yet.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("claims api: http %d %s: %s", e.Status, e.Code, e.Message)
}

// IsPending reports whether err is a receipt the server could not confirm
// yet. The same receipt can be sent again.
func IsPending(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusAccepted
}

type Proof struct {
	Hash string `json:"hash"`
}

type Created struct {
	ClaimID   string              `json:"claimId"`
	Canonical string              `json:"canonical"`
	Proof     Proof               `json:"proof"`
	Anchor    *claim.AnchorRecord `json:"anchor"`
}

type Account struct {
	Address  string `json:"address"`
	Signer   bool   `json:"isSigner"`
	Writable bool   `json:"isWritable"`
}

type Prepared struct {
	ClaimID     string             `json:"claimId"`
	Wallet      string             `json:"wallet"`
	Nonce       uint64             `json:"nonce"`
	ProofHash   string             `json:"proofHash"`
	KeyedDigest string             `json:"keyedDigest,omitempty"`
	Scheme      claim.AnchorScheme `json:"scheme"`
	ProgramID   string             `json:"programId"`
	Address     string             `json:"proofPda,omitempty"`
	Memo        string             `json:"memo,omitempty"`
	Data        []byte             `json:"data"`
	Accounts    []Account          `json:"accounts"`
}

// Instruction is the unsigned ledger instruction the wallet signs.
func (p Prepared) Instruction() ledger.Instruction {
	ix := ledger.Instruction{ProgramID: p.ProgramID, Data: p.Data}
	for _, a := range p.Accounts {
		ix.Accounts = append(ix.Accounts, ledger.AccountMeta(a))
	}
	return ix
}

type Receipt struct {
	Scheme    claim.AnchorScheme `json:"scheme,omitempty"`
	ProgramID string             `json:"programId,omitempty"`
	Address   string             `json:"proofPda,omitempty"`
	Signature string             `json:"txSignature"`
	Wallet    string             `json:"wallet"`
	Nonce     *uint64            `json:"nonce,omitempty"`
}

type Reputation struct {
	CarID      string `json:"carId"`
	Score      int    `json:"score"`
	ClaimCount int    `json:"claimCount"`
}

func (c *Client) CreateClaim(ctx context.Context, f claim.Fields) (*Created, error) {
	return doJSON[Created](ctx, c, http.MethodPost, "/claims", f)
}

func (c *Client) GetClaim(ctx context.Context, claimID string) (*claim.Claim, error) {
	return doJSON[claim.Claim](ctx, c, http.MethodGet, "/claims/"+url.PathEscape(claimID), nil)
}

func (c *Client) NextNonce(ctx context.Context, claimID, wallet string) (uint64, error) {
	q := url.Values{}
	q.Set("wallet", wallet)
	out, err := doJSON[struct {
		Nonce uint64 `json:"nonce"`
	}](ctx, c, http.MethodGet, "/claims/"+url.PathEscape(claimID)+"/proofs/next-nonce?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

func (c *Client) Prepare(ctx context.Context, claimID, wallet string, scheme claim.AnchorScheme) (*Prepared, error) {
	body := map[string]any{"wallet": wallet, "scheme": scheme}
	return doJSON[Prepared](ctx, c, http.MethodPost, "/claims/"+url.PathEscape(claimID)+"/proofs/prepare", body)
}

func (c *Client) RecordAnchor(ctx context.Context, claimID string, r Receipt) (*claim.AnchorRecord, error) {
	out, err := doJSON[struct {
		OK     bool               `json:"ok"`
		Anchor claim.AnchorRecord `json:"anchor"`
	}](ctx, c, http.MethodPost, "/claims/"+url.PathEscape(claimID)+"/anchor", r)
	if err != nil {
		return nil, err
	}
	return &out.Anchor, nil
}

func (c *Client) Anchors(ctx context.Context, claimID string) ([]claim.AnchorRecord, error) {
	out, err := doJSON[struct {
		Anchors []claim.AnchorRecord `json:"anchors"`
	}](ctx, c, http.MethodGet, "/claims/"+url.PathEscape(claimID)+"/anchors", nil)
	if err != nil {
		return nil, err
	}
	return out.Anchors, nil
}

func (c *Client) Verify(ctx context.Context, claimID string) (*verify.Result, error) {
	return doJSON[verify.Result](ctx, c, http.MethodGet, "/claims/"+url.PathEscape(claimID)+"/verify", nil)
}

func (c *Client) CarClaims(ctx context.Context, carID string) ([]claim.Claim, error) {
	out, err := doJSON[struct {
		Claims []claim.Claim `json:"claims"`
	}](ctx, c, http.MethodGet, "/cars/"+url.PathEscape(carID)+"/claims", nil)
	if err != nil {
		return nil, err
	}
	return out.Claims, nil
}

func (c *Client) Reputation(ctx context.Context, carID string) (*Reputation, error) {
	return doJSON[Reputation](ctx, c, http.MethodGet, "/reputation/car/"+url.PathEscape(carID), nil)
}

// AnchorWithWallet runs the non-custodial flow: the server prepares the
// payload, signer signs and sends it through lc, and the signature is
// reported back. The server re-reads the ledger before recording anything.
func (c *Client) AnchorWithWallet(ctx context.Context, claimID string, lc ledger.Client, signer ledger.Signer, scheme claim.AnchorScheme) (*claim.AnchorRecord, error) {
	p, err := c.Prepare(ctx, claimID, signer.PublicKey(), scheme)
	if err != nil {
		return nil, err
	}
	sig, err := lc.Submit(ctx, p.Instruction(), signer)
	if err != nil {
		return nil, eris.Wrap(err, "claimsclient: submit")
	}
	n := p.Nonce
	return c.RecordAnchor(ctx, claimID, Receipt{
		Scheme:    p.Scheme,
		ProgramID: p.ProgramID,
		Address:   p.Address,
		Signature: sig,
		Wallet:    p.Wallet,
		Nonce:     &n,
	})
}

func doJSON[T any](ctx context.Context, c *Client, method, path string, in any) (*T, error) {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, eris.Wrap(err, "claimsclient: encode request")
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, eris.Wrap(err, "claimsclient: build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "claimsclient: %s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 || resp.StatusCode == http.StatusAccepted {
		var errBody struct {
			RequestID string `json:"request_id"`
			Error     struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, &APIError{
			Status:    resp.StatusCode,
			Code:      errBody.Error.Code,
			Message:   errBody.Error.Message,
			RequestID: errBody.RequestID,
		}
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrapf(err, "claimsclient: decode %s %s", method, path)
	}
	return &out, nil
}
