package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"settlepay/settle"
	"settlepay/storage"
)

const apiKeyHeader = "X-API-Key"

// Server is the thin HTTP boundary over the settlement engine. It resolves
// the merchant from an API key and translates engine errors to transport
// codes; everything else is the engine's business.
type Server struct {
	engine *settle.Engine
	store  *storage.Store
	log    *slog.Logger
	router chi.Router
}

// NewServer wires the HTTP routes.
func NewServer(engine *settle.Engine, store *storage.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	server := &Server{engine: engine, store: store, log: log}

	router := chi.NewRouter()
	router.Get("/healthz", server.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/v1/payments", func(r chi.Router) {
		r.Post("/", server.handleCreatePayment)
		r.Get("/{paymentID}", server.handleCheckStatus)
	})
	server.router = router
	return server
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createPaymentRequest struct {
	OrderReference string  `json:"order_reference"`
	FiatAmount     float64 `json:"amount"`
	FiatCurrency   string  `json:"currency"`
	ChainID        string  `json:"chain_id"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	merchant, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FiatAmount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if strings.TrimSpace(req.ChainID) == "" {
		writeError(w, http.StatusBadRequest, "chain_id is required")
		return
	}

	view, err := s.engine.CreateOrder(r.Context(), settle.CreateOrderRequest{
		Merchant:       merchant,
		OrderReference: req.OrderReference,
		FiatAmount:     req.FiatAmount,
		FiatCurrency:   req.FiatCurrency,
		ChainID:        req.ChainID,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}
	view, err := s.engine.CheckStatus(r.Context(), paymentID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	// "Not yet complete" is a data value, not a transport error.
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*storage.Merchant, bool) {
	key := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	if key == "" {
		writeError(w, http.StatusUnauthorized, "missing API key")
		return nil, false
	}
	merchant, err := s.store.MerchantByAPIKey(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "unknown API key")
		return nil, false
	}
	if err != nil {
		s.log.Error("merchant lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return merchant, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settle.ErrInvalidOrder):
		writeError(w, http.StatusNotFound, "unknown payment id")
	case errors.Is(err, settle.ErrChainUnsupported):
		writeError(w, http.StatusBadRequest, "unsupported chain")
	case errors.Is(err, settle.ErrFiatUnsupported):
		writeError(w, http.StatusBadRequest, "unsupported pricing currency")
	case errors.Is(err, settle.ErrContractUnavailable):
		writeError(w, http.StatusConflict, "no settlement contract configured for chain")
	case errors.Is(err, settle.ErrNoCandidates):
		writeError(w, http.StatusConflict, "no payment tokens available")
	case errors.Is(err, settle.ErrRateUnavailable), errors.Is(err, settle.ErrChainUnavailable):
		writeError(w, http.StatusServiceUnavailable, "upstream unavailable, retry")
	default:
		s.log.Error("engine error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
