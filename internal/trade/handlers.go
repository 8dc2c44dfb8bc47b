package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/market"
)

// --- Request types ---

// OrderRequest is the JSON body for POST /orders/buy and /orders/sell.
type OrderRequest struct {
	UserID string          `json:"user_id"`
	Coin   string          `json:"coin"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"` // 0 → immediate
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	UserID    string          `json:"user_id"`
	Coin      string          `json:"coin"`
	Direction string          `json:"direction"` // "long" or "short"
	Amount    decimal.Decimal `json:"amount"`
	Leverage  int             `json:"leverage"` // 0 → default
}

// Routes registers the trading API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/prices", s.handlePrices)
	r.Get("/prices/{coin}", s.handlePrice)
	r.Get("/prices/{coin}/history", s.handlePriceHistory)
	r.Get("/prices/{coin}/candles", s.handleCandles)
	r.Get("/volatility", s.handleVolatility)
	r.Get("/funding", s.handleFunding)

	r.Post("/orders/buy", s.handleOrder(true))
	r.Post("/orders/sell", s.handleOrder(false))
	r.Post("/positions", s.handleOpenPosition)

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/assets", s.handleTotalAssets)
		r.Get("/portfolio", s.handlePortfolio)
		r.Get("/positions", s.handleListPositions)
		r.Post("/positions/{positionID}/close", s.handleClosePosition)
		r.Get("/history", s.handleHistory)
		r.Get("/funding", s.handleFundingPayments)
		r.Delete("/orders/{orderID}", s.handleCancelOrder)
		r.Post("/reset", s.handleReset)
	})

	r.Post("/groups/{groupID}/activity", s.handleTouchGroup)
}

// --- Market data ---

func (s *Service) handlePrices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Prices())
}

func (s *Service) handlePrice(w http.ResponseWriter, r *http.Request) {
	q, err := s.GetPrice(chi.URLParam(r, "coin"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handlePriceHistory serves GET /prices/{coin}/history?window=1h&limit=100.
func (s *Service) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = d
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	pts, err := s.PriceHistory(r.Context(), chi.URLParam(r, "coin"), window, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pts)
}

// handleCandles serves GET /prices/{coin}/candles?minutes=10.
func (s *Service) handleCandles(w http.ResponseWriter, r *http.Request) {
	minutes, ok := queryInt(w, r, "minutes")
	if !ok {
		return
	}
	if minutes == 0 {
		minutes = 10
	}
	candles, err := s.Candles(r.Context(), chi.URLParam(r, "coin"), time.Duration(minutes)*time.Minute)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

func (s *Service) handleVolatility(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Volatility())
}

func (s *Service) handleFunding(w http.ResponseWriter, r *http.Request) {
	ov, err := s.FundingOverview(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// --- Trading ---

func (s *Service) handleOrder(buy bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" {
			writeError(w, "user_id is required", http.StatusBadRequest)
			return
		}
		submit := s.Sell
		if buy {
			submit = s.Buy
		}
		res, err := submit(r.Context(), req.UserID, req.Coin, req.Amount, req.Price)
		if err != nil {
			writeErr(w, err)
			return
		}
		status := http.StatusOK
		if res.Order != nil {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
	}
}

func (s *Service) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.CancelOrder(chi.URLParam(r, "userID"), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Service) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	res, err := s.OpenPosition(r.Context(), req.UserID, req.Coin, req.Direction, req.Amount, req.Leverage)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Service) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ClosePosition(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "positionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Accounts ---

func (s *Service) handleTotalAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.TotalAssets(chi.URLParam(r, "userID")))
}

func (s *Service) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleListPositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.ListPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	entries, err := s.ListHistory(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) handleFundingPayments(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	pays, err := s.FundingPayments(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pays)
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	user := chi.URLParam(r, "userID")
	if err := s.Reset(r.Context(), token, user); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.TotalAssets(user))
}

func (s *Service) handleTouchGroup(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "groupID")
	if !s.TouchGroup(group) {
		writeError(w, "group is not monitored", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, "invalid "+key, http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrUnknownAsset),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidDirection),
		errors.Is(err, market.ErrInvalidLeverage),
		errors.Is(err, market.ErrInvalidLimitPrice):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrPositionValueExceeded),
		errors.Is(err, market.ErrInsufficientBalance),
		errors.Is(err, market.ErrInsufficientHolding):
		return http.StatusConflict
	case errors.Is(err, market.ErrPositionNotFound),
		errors.Is(err, market.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, market.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
