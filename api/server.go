package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gregtusar/papertrade/internal/observability"
	"github.com/gregtusar/papertrade/pkg/auth"
	"github.com/gregtusar/papertrade/pkg/conversion"
	"github.com/gregtusar/papertrade/pkg/ledger"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/trader"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Port           string
	RateLimitRPS   float64
	RateLimitBurst int
	BookThrottle   time.Duration
}

type Server struct {
	sim      *trader.Simulator
	sessions *auth.Provider
	metrics  *observability.Metrics
	logger   *logrus.Logger
	opts     Options
	limiter  *clientLimiter

	httpServer *http.Server
}

// NewServer builds the API. A nil sessions provider disables authentication.
func NewServer(sim *trader.Simulator, sessions *auth.Provider, metrics *observability.Metrics, logger *logrus.Logger, opts Options) *Server {
	s := &Server{
		sim:      sim,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
		limiter:  newClientLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}
	s.httpServer = &http.Server{
		Addr:              ":" + opts.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/prices", s.handlePrices)
	mux.HandleFunc("/api/orderbook", s.handleOrderBook)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/positions/close", s.requireSession(s.handleClosePosition))
	mux.HandleFunc("/api/balances", s.handleBalances)
	mux.HandleFunc("/api/transfer", s.requireSession(s.handleTransfer))
	mux.HandleFunc("/api/deposit", s.requireSession(s.handleDeposit))
	mux.HandleFunc("/api/withdraw", s.requireSession(s.handleWithdraw))
	mux.HandleFunc("/api/rate", s.handleRate)
	mux.HandleFunc("/api/convert", s.requireSession(s.handleConvert))
	mux.HandleFunc("/api/conversions", s.handleConversions)
	mux.HandleFunc("/api/portfolio", s.handlePortfolio)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/ws", s.handleStream)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	return corsMiddleware(rateLimitMiddleware(s.limiter, mux))
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %s", s.opts.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requireSession rejects requests whose bearer token is missing, invalid or
// belongs to someone other than the ledger's current user.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.sessions == nil {
			next(w, r)
			return
		}
		user, err := s.sessions.Verify(auth.BearerToken(r))
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, err.Error())
			return
		}
		if user != s.sim.Ledger().User() {
			writeErrorMessage(w, http.StatusForbidden, "session is not the active one, log in again")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.sim.ConnectionState()
	status := "healthy"
	if state != models.ConnectionSubscribed {
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"feed_state": state,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sim.Feed().Snapshot())
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	book, ok := s.sim.Books().Book(symbol)
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, "no order book for "+symbol)
		return
	}
	s.writeJSON(w, http.StatusOK, book)
}

type openPositionRequest struct {
	Symbol   string      `json:"symbol"`
	Side     models.Side `json:"side"`
	Size     float64     `json:"size"`
	Leverage int         `json:"leverage"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.sim.Ledger().Positions())

	case http.MethodPost:
		s.requireSession(func(w http.ResponseWriter, r *http.Request) {
			var req openPositionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeErrorMessage(w, http.StatusBadRequest, err.Error())
				return
			}
			pos, err := s.sim.OpenPosition(req.Symbol, req.Side, req.Size, req.Leverage)
			if err != nil {
				writeError(w, err)
				return
			}
			s.writeJSON(w, http.StatusCreated, pos)
		})(w, r)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	l := s.sim.Ledger()
	if _, ok := l.Position(req.ID); !ok {
		writeErrorMessage(w, http.StatusNotFound, "position not found")
		return
	}
	pos, closed := l.Close(req.ID)
	if !closed {
		pos, _ = l.Position(req.ID)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"closed":   closed,
		"position": pos,
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account := models.Account(r.URL.Query().Get("account"))
	if account == "" {
		account = models.AccountTrading
	}
	rows, err := s.sim.Ledger().Balances(account)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		From   models.Account `json:"from"`
		To     models.Account `json:"to"`
		Symbol string         `json:"symbol"`
		Amount float64        `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sim.Ledger().Transfer(req.From, req.To, req.Symbol, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sim.Ledger().Snapshot().Balances)
}

type amountRequest struct {
	Symbol string  `json:"symbol"`
	Amount float64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleFunding(w, r, s.sim.Ledger().Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleFunding(w, r, s.sim.Ledger().Withdraw)
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request, apply func(string, float64) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := apply(req.Symbol, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	rows, _ := s.sim.Ledger().Balances(models.AccountFunding)
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	rate, err := s.sim.Converter().Rate(from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"from": from,
		"to":   to,
		"rate": rate,
	})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		From   string  `json:"from"`
		To     string  `json:"to"`
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.sim.Converter().Convert(req.From, req.To, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleConversions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sim.Converter().Records())
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"value":         s.sim.Converter().RefreshPortfolioValue(),
		"margin_in_use": s.sim.Ledger().MarginInUse(),
	})
}

// handleSession logs the bearer of a valid token in. A user different from the
// current one starts from freshly seeded balances.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sessions == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "sessions are disabled")
		return
	}
	user, err := s.sessions.Verify(auth.BearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	reset := s.sim.Ledger().Login(user)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":  user,
		"reset": reset,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidPosition),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnknownAccount),
		errors.Is(err, conversion.ErrSameSymbol):
		status = http.StatusBadRequest
	case errors.Is(err, conversion.ErrUnknownSymbol):
		status = http.StatusNotFound
	case errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	}
	writeErrorMessage(w, status, err.Error())
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
