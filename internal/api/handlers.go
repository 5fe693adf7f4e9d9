package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotmatch/internal/auth"
	"github.com/xtrntr/spotmatch/internal/exchange"
	"github.com/xtrntr/spotmatch/internal/models"
	"go.uber.org/zap"
)

type ctxKey struct{}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, logger *zap.Logger) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Exchange: ex, AuthService: authService, validate: v, logger: logger}
}

// Routes builds the router with every public and authenticated endpoint.
// Callers may mount more handlers on the returned mux.
func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/profile", h.GetProfile)
		r.Get("/orders", h.GetOpenOrders)
		r.Get("/orders/my", h.GetUserOrders)
		r.Post("/orders", h.PlaceOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/trades", h.GetUserTrades)
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func validationFailed(w http.ResponseWriter, errs map[string][]string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
		"message": "Validation failed.",
		"errors":  errs,
	})
}

// decode reads a JSON body into req and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return false
		}
		errs := make(map[string][]string, len(verrs))
		for _, fe := range verrs {
			errs[fe.Field()] = append(errs[fe.Field()], fieldMessage(fe))
		}
		validationFailed(w, errs)
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required.", fe.Field())
	case "oneof":
		return fmt.Sprintf("The %s must be one of: %s.", fe.Field(), fe.Param())
	case "min", "max":
		return fmt.Sprintf("The %s must have %s %s characters.", fe.Field(), map[string]string{"min": "at least", "max": "at most"}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("The %s is invalid.", fe.Field())
	}
}

// writeExchangeError maps engine errors to responses
func (h *Handler) writeExchangeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *exchange.ValidationError
	switch {
	case errors.As(err, &verr):
		validationFailed(w, map[string][]string{verr.Field: {verr.Message}})
	case errors.Is(err, exchange.ErrInsufficientFunds):
		validationFailed(w, map[string][]string{"amount": {"Insufficient balance."}})
	case errors.Is(err, exchange.ErrInsufficientAsset):
		validationFailed(w, map[string][]string{"amount": {"Insufficient asset balance."}})
	case errors.Is(err, exchange.ErrInvalidState):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "Order cannot be cancelled.",
			"success": false,
		})
	case errors.Is(err, exchange.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, exchange.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// Health reports that the process is serving
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentials struct {
	Username string `json:"username" validate:"required,max=50"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrUsernameTaken) {
		writeError(w, http.StatusConflict, "Username already taken")
		return
	}
	if err != nil {
		h.logger.Error("failed to register user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		h.logger.Error("failed to log in", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to log in")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxKey{}).(int64)
	return id
}

// GetProfile returns the caller's balance, holdings and market prices
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.Exchange.Profile(r.Context(), userID(r))
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// GetOpenOrders lists the open orders of every user
func (h *Handler) GetOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Exchange.OpenOrders(r.Context(), strings.ToUpper(r.URL.Query().Get("symbol")))
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserOrders retrieves a page of the caller's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid page")
			return
		}
		page = n
	}

	orders, err := h.Exchange.UserOrders(r.Context(), userID(r), page)
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

type placeOrderRequest struct {
	Symbol string           `json:"symbol" validate:"required"`
	Side   string           `json:"side" validate:"required,oneof=buy sell"`
	Price  *decimal.Decimal `json:"price" validate:"required"`
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

// PlaceOrder reserves funds and records an open order. Matching happens
// asynchronously.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.Exchange.PlaceOrder(r.Context(), exchange.PlaceOrderRequest{
		UserID: userID(r),
		Symbol: strings.ToUpper(req.Symbol),
		Side:   models.Side(req.Side),
		Price:  *req.Price,
		Amount: *req.Amount,
	})
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Order placed",
		"order":   order,
	})
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Exchange.UserTrades(r.Context(), userID(r))
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.Exchange.CancelOrder(r.Context(), orderID, userID(r))
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Order cancelled",
		"success": true,
		"order":   order,
	})
}
