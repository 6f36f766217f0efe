package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"PegLedger/internal/core"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/ledger"
	"PegLedger/internal/observability"
	"PegLedger/internal/oracle"
	"PegLedger/internal/query"
)

// Gateway serves the HTTP/JSON API on a grpc-gateway ServeMux. Routes
// are registered with HandlePath: reads go to the query service,
// submissions go through the admin submitter into the engine.
type Gateway struct {
	mux       *runtime.ServeMux
	submitter *ingestion.AdminSubmitter
	query     *query.QueryService
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewGateway(
	submitter *ingestion.AdminSubmitter,
	queryService *query.QueryService,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Gateway, error) {
	g := &Gateway{
		mux:       runtime.NewServeMux(),
		submitter: submitter,
		query:     queryService,
		metrics:   metrics,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/engine/status", g.handleEngineStatus},
		{"GET", "/v1/balances/{account}/{asset}", g.handleGetBalance},
		{"GET", "/v1/accounts/{account}/operations", g.handleOperationHistory},
		{"GET", "/v1/accounts/{account}/journal", g.handleJournalHistory},
		{"GET", "/v1/admin/integrity", g.handleVerifyIntegrity},
		{"POST", "/v1/ops/mint-stable", g.handleMintStable},
		{"POST", "/v1/ops/burn-stable", g.handleBurnStable},
		{"POST", "/v1/ops/deposit-buffer", g.handleDepositBuffer},
		{"POST", "/v1/ops/withdraw-buffer", g.handleWithdrawBuffer},
		{"POST", "/v1/ops/price-update", g.handlePriceUpdate},
	}

	for _, r := range routes {
		if err := g.mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	return g, nil
}

// Handler returns the HTTP handler for mounting.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// --- read routes ---

func (g *Gateway) handleEngineStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	status, err := g.query.GetEngineStatus(r.Context())
	if err != nil {
		g.writeError(w, "engine_status", err)
		return
	}
	g.writeJSON(w, "engine_status", http.StatusOK, status, start)
}

func (g *Gateway) handleGetBalance(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	start := time.Now()
	account, err := uuid.Parse(pathParams["account"])
	if err != nil {
		g.writeBadRequest(w, "balance", "account must be a UUID")
		return
	}
	asset := pathParams["asset"]
	if _, ok := ledger.GetAssetID(asset); !ok {
		g.writeBadRequest(w, "balance", fmt.Sprintf("unknown asset %q", asset))
		return
	}

	balance, err := g.query.GetBalance(r.Context(), account, asset)
	if err != nil {
		g.writeError(w, "balance", err)
		return
	}
	g.writeJSON(w, "balance", http.StatusOK, balance, start)
}

func (g *Gateway) handleOperationHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	start := time.Now()
	account, err := uuid.Parse(pathParams["account"])
	if err != nil {
		g.writeBadRequest(w, "operations", "account must be a UUID")
		return
	}

	limit, before, err := pageParams(r)
	if err != nil {
		g.writeBadRequest(w, "operations", err.Error())
		return
	}

	history, err := g.query.GetOperationHistory(r.Context(), account, limit, before)
	if err != nil {
		g.writeError(w, "operations", err)
		return
	}
	g.writeJSON(w, "operations", http.StatusOK, map[string]interface{}{
		"operations": history,
	}, start)
}

func (g *Gateway) handleJournalHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	start := time.Now()
	account, err := uuid.Parse(pathParams["account"])
	if err != nil {
		g.writeBadRequest(w, "journal", "account must be a UUID")
		return
	}

	limit, before, err := pageParams(r)
	if err != nil {
		g.writeBadRequest(w, "journal", err.Error())
		return
	}

	entries, err := g.query.GetJournalHistory(r.Context(), account, limit, before)
	if err != nil {
		g.writeError(w, "journal", err)
		return
	}
	g.writeJSON(w, "journal", http.StatusOK, map[string]interface{}{
		"entries": entries,
	}, start)
}

func (g *Gateway) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	report, err := g.query.VerifyIntegrity(r.Context())
	if err != nil {
		g.writeError(w, "integrity", err)
		return
	}
	g.writeJSON(w, "integrity", http.StatusOK, report, start)
}

// --- submission routes ---

type attachedOpRequest struct {
	AccountID      string `json:"account_id"`
	AttachedNative string `json:"attached_native"`
}

type burnOpRequest struct {
	AccountID  string `json:"account_id"`
	BurnAmount string `json:"burn_amount"`
}

type priceUpdateRequest struct {
	PriceWad string `json:"price_wad"`
}

// operationResultJSON is the synchronous submission outcome.
type operationResultJSON struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

func (g *Gateway) handleMintStable(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	var req attachedOpRequest
	account, amount, ok := g.decodeOpRequest(w, "mint_stable", r, &req, &req.AccountID, &req.AttachedNative)
	if !ok {
		return
	}

	res, err := g.submitter.MintStable(r.Context(), account, amount)
	g.writeOpResult(w, "mint_stable", res, err, start)
}

func (g *Gateway) handleBurnStable(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	var req burnOpRequest
	account, amount, ok := g.decodeOpRequest(w, "burn_stable", r, &req, &req.AccountID, &req.BurnAmount)
	if !ok {
		return
	}

	res, err := g.submitter.BurnStable(r.Context(), account, amount)
	g.writeOpResult(w, "burn_stable", res, err, start)
}

func (g *Gateway) handleDepositBuffer(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	var req attachedOpRequest
	account, amount, ok := g.decodeOpRequest(w, "deposit_buffer", r, &req, &req.AccountID, &req.AttachedNative)
	if !ok {
		return
	}

	res, err := g.submitter.DepositBuffer(r.Context(), account, amount)
	g.writeOpResult(w, "deposit_buffer", res, err, start)
}

func (g *Gateway) handleWithdrawBuffer(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	var req burnOpRequest
	account, amount, ok := g.decodeOpRequest(w, "withdraw_buffer", r, &req, &req.AccountID, &req.BurnAmount)
	if !ok {
		return
	}

	res, err := g.submitter.WithdrawBuffer(r.Context(), account, amount)
	g.writeOpResult(w, "withdraw_buffer", res, err, start)
}

func (g *Gateway) handlePriceUpdate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	var req priceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeBadRequest(w, "price_update", "invalid JSON body")
		return
	}

	priceWad, ok := new(big.Int).SetString(req.PriceWad, 10)
	if !ok {
		g.writeBadRequest(w, "price_update", "price_wad must be a base-10 integer")
		return
	}

	res, err := g.submitter.PriceUpdate(r.Context(), priceWad)
	g.writeOpResult(w, "price_update", res, err, start)
}

// decodeOpRequest parses the shared shape of submission bodies: an
// account UUID plus one amount field. Returns ok=false after writing
// the error response.
func (g *Gateway) decodeOpRequest(
	w http.ResponseWriter,
	endpoint string,
	r *http.Request,
	body interface{},
	accountField *string,
	amountField *string,
) (uuid.UUID, *big.Int, bool) {
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		g.writeBadRequest(w, endpoint, "invalid JSON body")
		return uuid.UUID{}, nil, false
	}

	account, err := uuid.Parse(*accountField)
	if err != nil {
		g.writeBadRequest(w, endpoint, "account_id must be a UUID")
		return uuid.UUID{}, nil, false
	}

	amount, ok := new(big.Int).SetString(*amountField, 10)
	if !ok {
		g.writeBadRequest(w, endpoint, "amount must be a base-10 integer string")
		return uuid.UUID{}, nil, false
	}

	return account, amount, true
}

// --- response helpers ---

func (g *Gateway) writeOpResult(w http.ResponseWriter, endpoint string, res core.OperationResult, err error, start time.Time) {
	if err != nil {
		g.writeError(w, endpoint, err)
		return
	}

	g.writeJSON(w, endpoint, http.StatusOK, operationResultJSON{
		Sequence:  res.Sequence,
		StateHash: hex.EncodeToString(res.StateHash[:]),
		Duplicate: res.Duplicate,
		Skipped:   res.Skipped,
	}, start)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, endpoint string, status int, v interface{}, start time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn().Str("endpoint", endpoint).Err(err).Msg("response encode failed")
	}
	if g.metrics != nil {
		g.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		g.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (g *Gateway) writeBadRequest(w http.ResponseWriter, endpoint, msg string) {
	g.writeErrorBody(w, endpoint, http.StatusBadRequest, msg)
}

func (g *Gateway) writeError(w http.ResponseWriter, endpoint string, err error) {
	status := httpStatusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error().Str("endpoint", endpoint).Err(err).Msg("request failed")
	}
	g.writeErrorBody(w, endpoint, status, err.Error())
}

func (g *Gateway) writeErrorBody(w http.ResponseWriter, endpoint string, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
	if g.metrics != nil {
		g.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
}

// httpStatusFor maps engine rejections to HTTP statuses: malformed
// input is 400, business rejections are 409, a missing price is 503
// (the system is not ready to price operations), everything else is a
// server error.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrNoPrice):
		return http.StatusServiceUnavailable
	case core.IsRejection(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pageParams(r *http.Request) (int, *int64, error) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 1000 {
			return 0, nil, errors.New("limit must be an integer between 1 and 1000")
		}
		limit = v
	}

	var before *int64
	if s := r.URL.Query().Get("before"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, nil, errors.New("before must be an integer sequence cursor")
		}
		before = &v
	}

	return limit, before, nil
}
