// Package api exposes the claims service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/autotrust/autotrust/pkg/anchor"
	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/httpx"
	"github.com/autotrust/autotrust/pkg/ledger"
	"github.com/autotrust/autotrust/pkg/reputation"
	"github.com/autotrust/autotrust/pkg/verify"
	"github.com/autotrust/autotrust/services/claims/internal/anchoring"
	"github.com/autotrust/autotrust/services/claims/internal/intake"
	"github.com/autotrust/autotrust/services/claims/internal/nonce"
	"github.com/autotrust/autotrust/services/claims/internal/receipts"
	"github.com/autotrust/autotrust/services/claims/internal/store"
)

// Reader is the read side of the claim store.
type Reader interface {
	GetClaim(ctx context.Context, id string) (*claim.Claim, error)
	ListClaimsByCar(ctx context.Context, carID string, limit int) ([]claim.Claim, error)
	ListAnchorHistory(ctx context.Context, claimID string) ([]claim.AnchorRecord, error)
}

type Deps struct {
	Store     Reader
	Intake    *intake.Service
	Nonces    *nonce.Ledger
	Builder   *anchoring.Builder
	Receipts  *receipts.Service
	Verifier  *verify.Verifier
	VerifyMax int
}

type Options struct {
	CORSOrigins []string
}

type handler struct {
	Deps
}

func NewRouter(d Deps, opts Options) http.Handler {
	h := &handler{Deps: d}

	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(httpx.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", httpx.RequestIDHeader},
		ExposedHeaders: []string{httpx.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/claims", func(api chi.Router) {
		api.Post("/", h.createClaim)
		api.Get("/{claimId}", h.getClaim)
		api.Get("/{claimId}/proofs/next-nonce", h.nextNonce)
		api.Post("/{claimId}/proofs/prepare", h.prepare)
		api.Post("/{claimId}/anchor", h.recordAnchor)
		api.Post("/{claimId}/solana", h.recordAnchor)
		api.Get("/{claimId}/anchors", h.anchorHistory)
		api.Get("/{claimId}/verify", h.verifyClaim)
	})
	r.Route("/cars/{carId}", func(api chi.Router) {
		api.Get("/claims", h.listCarClaims)
		api.Post("/claims", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteError(w, r, http.StatusGone, "GONE", "create claims with POST /claims", nil)
		})
		api.Get("/verify", h.verifyCar)
	})
	r.Get("/reputation/car/{carId}", h.carReputation)
	return r
}

// writeErr maps domain errors onto status codes.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var ve *claim.ValidationError
	switch {
	case errors.As(err, &ve):
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", ve.Error(), map[string]any{"field": ve.Field})
	case eris.Is(err, store.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "claim not found", nil)
	case eris.Is(err, receipts.ErrPending):
		httpx.WriteError(w, r, http.StatusAccepted, "PENDING", "transaction not confirmed yet, resend the receipt later", nil)
	case eris.Is(err, nonce.ErrStaleNonce), eris.Is(err, anchor.ErrInvalidNonce), eris.Is(err, receipts.ErrNonceMismatch):
		httpx.WriteError(w, r, http.StatusConflict, "STALE_NONCE", err.Error(), nil)
	case eris.Is(err, anchor.ErrHashMismatch), eris.Is(err, receipts.ErrNotVerified), eris.Is(err, ledger.ErrTxFailed):
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "NOT_VERIFIED", err.Error(), nil)
	case eris.Is(err, anchor.ErrPayloadTooLarge), eris.Is(err, anchor.ErrMalformedPayload):
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_PAYLOAD", err.Error(), nil)
	case eris.Is(err, anchor.ErrUnknownScheme):
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "SCHEME_UNAVAILABLE", "anchor scheme is not configured on this server", nil)
	case eris.Is(err, ledger.ErrUnavailable):
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "ledger unavailable, retry later", nil)
	default:
		zap.L().Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", httpx.RequestIDFrom(r.Context())),
			zap.Error(err),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}

type proofView struct {
	Hash string `json:"hash"`
}

func (h *handler) createClaim(w http.ResponseWriter, r *http.Request) {
	var req claim.Fields
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	c, err := h.Intake.Create(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"claimId":   c.ID,
		"canonical": c.Canonical,
		"proof":     proofView{Hash: c.ProofHash},
		"anchor":    c.Anchor,
	})
}

func (h *handler) getClaim(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetClaim(r.Context(), chi.URLParam(r, "claimId"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

func (h *handler) nextNonce(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimId")
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "wallet is required", map[string]any{"field": "wallet"})
		return
	}
	if _, err := h.Store.GetClaim(r.Context(), claimID); err != nil {
		writeErr(w, r, err)
		return
	}
	n, err := h.Nonces.Next(r.Context(), claimID, wallet)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"nonce": n})
}

func (h *handler) prepare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Wallet string             `json:"wallet"`
		Scheme claim.AnchorScheme `json:"scheme"`
		Nonce  uint64             `json:"nonce"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	p, err := h.Builder.Build(r.Context(), chi.URLParam(r, "claimId"), req.Wallet, req.Scheme, req.Nonce)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *handler) recordAnchor(w http.ResponseWriter, r *http.Request) {
	var req receipts.Receipt
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	rec, err := h.Receipts.Record(r.Context(), chi.URLParam(r, "claimId"), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "anchor": rec})
}

func (h *handler) anchorHistory(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimId")
	if _, err := h.Store.GetClaim(r.Context(), claimID); err != nil {
		writeErr(w, r, err)
		return
	}
	history, err := h.Store.ListAnchorHistory(r.Context(), claimID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if history == nil {
		history = []claim.AnchorRecord{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"claimId": claimID, "anchors": history})
}

func (h *handler) verifyClaim(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetClaim(r.Context(), chi.URLParam(r, "claimId"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := h.Verifier.VerifyClaim(r.Context(), *c)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) listCarClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := h.Store.ListClaimsByCar(r.Context(), chi.URLParam(r, "carId"), store.DefaultListLimit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if claims == nil {
		claims = []claim.Claim{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"claims": claims})
}

func (h *handler) verifyCar(w http.ResponseWriter, r *http.Request) {
	claims, err := h.Store.ListClaimsByCar(r.Context(), chi.URLParam(r, "carId"), store.DefaultListLimit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	results, err := h.Verifier.VerifyMany(r.Context(), claims, h.VerifyMax)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	type item struct {
		ClaimID string `json:"claimId"`
		verify.Result
	}
	out := make([]item, len(claims))
	for i := range claims {
		out[i] = item{ClaimID: claims[i].ID, Result: results[i]}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"carId": chi.URLParam(r, "carId"), "results": out})
}

func (h *handler) carReputation(w http.ResponseWriter, r *http.Request) {
	carID := chi.URLParam(r, "carId")
	claims, err := h.Store.ListClaimsByCar(r.Context(), carID, store.DefaultListLimit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"carId":      carID,
		"score":      reputation.Score(claims),
		"claimCount": len(claims),
	})
}
