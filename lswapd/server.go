package lswapd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/liquidswap/lswap"
	"github.com/liquidswap/lswap/swapapi"
	"github.com/liquidswap/lswap/swapdb"
)

// idempotencyHeader carries the client chosen key making swap creation
// retries safe.
const idempotencyHeader = "Idempotency-Key"

// swapEngine is the part of the swap manager the REST server drives. It is
// an interface so the handlers can be tested against a mock.
type swapEngine interface {
	SetOffer(offer *lswap.Offer)
	CurrentOffer() *lswap.Offer
	CreateQuote(ctx context.Context,
		req *lswap.QuoteRequest) (*swapdb.Quote, error)
	GetQuote(ctx context.Context, quoteID string) (*swapdb.Quote, error)
	CreateSwap(ctx context.Context,
		req *lswap.CreateSwapRequest) (*swapdb.Swap, error)
	GetSwap(ctx context.Context, swapID,
		requester string) (*swapdb.Swap, error)
	ListSwaps(ctx context.Context,
		requester string) ([]*swapdb.Swap, error)
	CreateLightningPayment(ctx context.Context, swapID,
		requester string) (string, error)
	CreateAssetClaim(ctx context.Context, swapID,
		requester string) (string, error)
}

// identityKey is the request context key the auth middleware stores the
// caller identity under.
type identityKey struct{}

// restServer exposes the swap engine over authenticated JSON endpoints.
type restServer struct {
	engine swapEngine

	operatorID    string
	operatorToken string
	buyerTokens   map[string]string

	httpServer *http.Server
}

// newRestServer wires the engine's operations into their routes.
func newRestServer(cfg *Config, engine swapEngine) (*restServer, error) {
	buyerTokens, err := parseBuyerTokens(cfg.BuyerTokens)
	if err != nil {
		return nil, err
	}

	s := &restServer{
		engine:        engine,
		operatorID:    cfg.OperatorID,
		operatorToken: cfg.OperatorToken,
		buyerTokens:   buyerTokens,
	}

	router := mux.NewRouter()
	router.Use(s.authenticate)

	router.HandleFunc("/v1/offer", s.setOffer).Methods(http.MethodPost)
	router.HandleFunc("/v1/offer", s.getOffer).Methods(http.MethodGet)
	router.HandleFunc("/v1/quotes", s.createQuote).Methods(http.MethodPost)
	router.HandleFunc("/v1/quotes/{id}", s.getQuote).
		Methods(http.MethodGet)
	router.HandleFunc("/v1/swaps", s.createSwap).Methods(http.MethodPost)
	router.HandleFunc("/v1/swaps", s.listSwaps).Methods(http.MethodGet)
	router.HandleFunc("/v1/swaps/{id}", s.getSwap).Methods(http.MethodGet)
	router.HandleFunc("/v1/swaps/{id}/payment", s.createPayment).
		Methods(http.MethodPost)
	router.HandleFunc("/v1/swaps/{id}/claim", s.createClaim).
		Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:         cfg.RESTListen,
		Handler:      router,
		ReadTimeout:  time.Second * 30,
		WriteTimeout: time.Second * 30,
	}

	return s, nil
}

// serve blocks serving requests until the listener is closed.
func (s *restServer) serve() error {
	log.Infof("REST server listening on %v", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}

	return err
}

// stop drains in-flight requests and closes the listener.
func (s *restServer) stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// authenticate resolves the bearer token to a configured identity and
// stores it in the request context. Unknown tokens are rejected before any
// handler runs.
func (s *restServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized,
				"missing bearer token")
			return
		}

		var identity string
		switch {
		case token == s.operatorToken:
			identity = s.operatorID

		default:
			identity, ok = s.buyerTokens[token]
			if !ok {
				writeError(w, http.StatusUnauthorized,
					"unknown bearer token")
				return
			}
		}

		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token of the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}

	return token, true
}

// identity returns the authenticated identity of a request.
func (s *restServer) identity(r *http.Request) string {
	identity, _ := r.Context().Value(identityKey{}).(string)
	return identity
}

// requireOperator rejects requests not authenticated as the operator.
func (s *restServer) requireOperator(w http.ResponseWriter,
	r *http.Request) bool {

	if s.identity(r) != s.operatorID {
		writeError(w, http.StatusForbidden, "operator role required")
		return false
	}

	return true
}

func (s *restServer) setOffer(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}

	var req swapapi.Offer
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	offer := &lswap.Offer{
		AssetID:           req.AssetID,
		PriceMsatPerUnit:  lnwire.MilliSatoshi(req.PriceMsatPerUnit),
		FeeSubsidySats:    req.FeeSubsidySats,
		RefundDeltaBlocks: req.RefundDeltaBlocks,
		InvoiceExpiry: time.Duration(req.InvoiceExpirySecs) *
			time.Second,
		MaxFundingConfs: req.MaxFundingConfs,
	}
	if offer.AssetID == "" || offer.PriceMsatPerUnit == 0 {
		writeError(w, http.StatusBadRequest,
			"offer requires asset_id and price_msat_per_unit")
		return
	}
	if offer.RefundDeltaBlocks == 0 || offer.InvoiceExpiry <= 0 {
		writeError(w, http.StatusBadRequest,
			"offer requires refund_delta_blocks and "+
				"invoice_expiry_secs")
		return
	}

	s.engine.SetOffer(offer)

	writeJSON(w, http.StatusOK, marshalOffer(offer))
}

func (s *restServer) getOffer(w http.ResponseWriter, r *http.Request) {
	offer := s.engine.CurrentOffer()
	if offer == nil {
		writeError(w, http.StatusNotFound, "no live offer")
		return
	}

	writeJSON(w, http.StatusOK, marshalOffer(offer))
}

func (s *restServer) createQuote(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}

	var req swapapi.CreateQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	direction, err := swapapi.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	quote, err := s.engine.CreateQuote(r.Context(), &lswap.QuoteRequest{
		Direction:       direction,
		AssetID:         req.AssetID,
		AssetAmount:     req.AssetAmount,
		MinFundingConfs: req.MinFundingConfs,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, swapapi.MarshalQuote(quote))
}

func (s *restServer) getQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := s.engine.GetQuote(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, swapapi.MarshalQuote(quote))
}

func (s *restServer) createSwap(w http.ResponseWriter, r *http.Request) {
	identity := s.identity(r)
	if identity == s.operatorID {
		writeError(w, http.StatusForbidden,
			"swaps are created by buyers")
		return
	}

	var req swapapi.CreateSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	swap, err := s.engine.CreateSwap(r.Context(),
		&lswap.CreateSwapRequest{
			QuoteID:            req.QuoteID,
			Requester:          identity,
			BuyerLedgerAddress: req.BuyerLedgerAddress,
			BuyerInvoice:       req.BuyerInvoice,
			IdempotencyKey:     r.Header.Get(idempotencyHeader),
		},
	)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, swapapi.MarshalSwap(swap))
}

func (s *restServer) listSwaps(w http.ResponseWriter, r *http.Request) {
	swaps, err := s.engine.ListSwaps(r.Context(), s.identity(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := make([]*swapapi.Swap, 0, len(swaps))
	for _, swap := range swaps {
		resp = append(resp, swapapi.MarshalSwap(swap))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *restServer) getSwap(w http.ResponseWriter, r *http.Request) {
	swap, err := s.engine.GetSwap(
		r.Context(), mux.Vars(r)["id"], s.identity(r),
	)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, swapapi.MarshalSwap(swap))
}

func (s *restServer) createPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := s.engine.CreateLightningPayment(
		r.Context(), mux.Vars(r)["id"], s.identity(r),
	)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &swapapi.PaymentResponse{
		PaymentID: paymentID,
	})
}

func (s *restServer) createClaim(w http.ResponseWriter, r *http.Request) {
	claimTxid, err := s.engine.CreateAssetClaim(
		r.Context(), mux.Vars(r)["id"], s.identity(r),
	)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &swapapi.ClaimResponse{
		ClaimTxid: claimTxid,
	})
}

// marshalOffer converts a live offer to its wire form.
func marshalOffer(offer *lswap.Offer) *swapapi.Offer {
	return &swapapi.Offer{
		OfferID:           offer.ID(),
		AssetID:           offer.AssetID,
		PriceMsatPerUnit:  uint64(offer.PriceMsatPerUnit),
		FeeSubsidySats:    offer.FeeSubsidySats,
		RefundDeltaBlocks: offer.RefundDeltaBlocks,
		InvoiceExpirySecs: uint64(offer.InvoiceExpiry / time.Second),
		MaxFundingConfs:   offer.MaxFundingConfs,
	}
}

// writeEngineError maps an engine error to its HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, lswap.ErrQuoteNotFound),
		errors.Is(err, lswap.ErrSwapNotFound):

		status = http.StatusNotFound

	case errors.Is(err, lswap.ErrUnauthorized):
		status = http.StatusForbidden

	case errors.Is(err, lswap.ErrPolicyMismatch),
		errors.Is(err, lswap.ErrQuoteExpired),
		errors.Is(err, lswap.ErrSwapNotReady):

		status = http.StatusConflict

	case errors.Is(err, lswap.ErrInsufficientInventory),
		errors.Is(err, lswap.ErrLedgerUnavailable),
		errors.Is(err, lswap.ErrPaymentNetworkUnavailable):

		status = http.StatusServiceUnavailable

	case errors.Is(err, lswap.ErrInvalidInvoice),
		errors.Is(err, lswap.ErrInvalidAddress):

		status = http.StatusBadRequest

	default:
		status = http.StatusInternalServerError
	}

	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &swapapi.Error{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}
