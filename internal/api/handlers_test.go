package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotmatch/internal/auth"
	"github.com/xtrntr/spotmatch/internal/db"
	"github.com/xtrntr/spotmatch/internal/exchange"
	"github.com/xtrntr/spotmatch/internal/models"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	store  *db.Memory
	auth   *auth.AuthService
	ex     *exchange.Exchange
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := db.NewMemory()
	s := &testServer{
		store: store,
		auth:  auth.NewAuthService(store, "test-secret", time.Hour),
		ex:    exchange.NewExchange(exchange.Config{}, exchange.Deps{Store: store, Logger: logger}),
	}
	s.router = NewHandler(s.ex, s.auth, logger).Routes()
	return s
}

// signup registers a funded user and returns its id and a bearer token
func (s *testServer) signup(t *testing.T, name, balance string, holdings map[string]string) (int64, string) {
	t.Helper()
	ctx := context.Background()
	user, err := s.auth.Register(ctx, name, "testpass")
	require.NoError(t, err)

	h := make(map[string]decimal.Decimal, len(holdings))
	for symbol, amount := range holdings {
		h[symbol] = decimal.RequireFromString(amount)
	}
	require.NoError(t, db.FundAccount(ctx, s.store, user.ID, decimal.RequireFromString(balance), h))

	token, err := s.auth.IssueToken(user)
	require.NoError(t, err)
	return user.ID, token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeObject(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response), w.Body.String())
	return response
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) []interface{} {
	t.Helper()
	var response []interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response), w.Body.String())
	return response
}

func TestHandler_Health(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]interface{}{"status": "ok"}, decodeObject(t, w))
}

func TestHandler_Register(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name           string
		requestBody    interface{}
		expectedStatus int
		expectedBody   map[string]interface{}
	}{
		{
			name: "Success",
			requestBody: map[string]interface{}{
				"username": "testuser",
				"password": "testpass",
			},
			expectedStatus: http.StatusCreated,
			expectedBody: map[string]interface{}{
				"id":       float64(1), // JSON numbers are float64
				"username": "testuser",
			},
		},
		{
			name: "Duplicate Username",
			requestBody: map[string]interface{}{
				"username": "testuser",
				"password": "otherpass",
			},
			expectedStatus: http.StatusConflict,
			expectedBody: map[string]interface{}{
				"error": "Username already taken",
			},
		},
		{
			name: "Missing Password",
			requestBody: map[string]interface{}{
				"username": "someone",
			},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody: map[string]interface{}{
				"message": "Validation failed.",
				"errors": map[string]interface{}{
					"password": []interface{}{"The password field is required."},
				},
			},
		},
		{
			name:           "Malformed Body",
			requestBody:    "{not json",
			expectedStatus: http.StatusBadRequest,
			expectedBody: map[string]interface{}{
				"error": "Invalid request body",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/auth/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedBody, decodeObject(t, w))
		})
	}
}

func TestHandler_Login(t *testing.T) {
	s := newTestServer(t)
	_, err := s.auth.Register(context.Background(), "testuser", "testpass")
	require.NoError(t, err)

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectToken    bool
	}{
		{
			name:           "Success",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "testpass"},
			expectedStatus: http.StatusOK,
			expectToken:    true,
		},
		{
			name:           "Invalid Credentials",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "wrongpass"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Unknown User",
			requestBody:    map[string]interface{}{"username": "nobody", "password": "testpass"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Missing Username",
			requestBody:    map[string]interface{}{"password": "testpass"},
			expectedStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/auth/login", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code)

			response := decodeObject(t, w)
			if tt.expectToken {
				token, ok := response["token"].(string)
				require.True(t, ok)
				userID, err := s.auth.GetUserFromToken(token)
				require.NoError(t, err)
				assert.Equal(t, int64(1), userID)
			} else {
				assert.NotContains(t, response, "token")
			}
		})
	}
}

func TestHandler_JWTAuthMiddleware(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header string
		error  string
	}{
		{"No Header", "", "Authorization header required"},
		{"Forged Token", "Bearer forged", "Invalid or expired token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/profile", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, tt.error, decodeObject(t, w)["error"])
		})
	}
}

func TestHandler_PlaceOrder(t *testing.T) {
	s := newTestServer(t)
	_, token := s.signup(t, "alice", "10000", map[string]string{"BTC": "1"})

	tests := []struct {
		name           string
		requestBody    interface{}
		expectedStatus int
		errorField     string
	}{
		{
			name:           "Buy",
			requestBody:    map[string]interface{}{"symbol": "btc", "side": "buy", "price": "50000", "amount": "0.1"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Sell With Numeric Fields",
			requestBody:    `{"symbol": "BTC", "side": "sell", "price": 95000, "amount": 0.5}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Insufficient Balance",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "buy", "price": "50000", "amount": "1"},
			expectedStatus: http.StatusUnprocessableEntity,
			errorField:     "amount",
		},
		{
			name:           "Insufficient Asset",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "sell", "price": "95000", "amount": "0.6"},
			expectedStatus: http.StatusUnprocessableEntity,
			errorField:     "amount",
		},
		{
			name:           "Unknown Symbol",
			requestBody:    map[string]interface{}{"symbol": "DOGE", "side": "buy", "price": "1", "amount": "1"},
			expectedStatus: http.StatusUnprocessableEntity,
			errorField:     "symbol",
		},
		{
			name:           "Unknown Side",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "hold", "price": "1", "amount": "1"},
			expectedStatus: http.StatusUnprocessableEntity,
			errorField:     "side",
		},
		{
			name:           "Missing Price",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "buy", "amount": "1"},
			expectedStatus: http.StatusUnprocessableEntity,
			errorField:     "price",
		},
		{
			name:           "Sub-cent Price",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "buy", "price": "1.001", "amount": "1"},
			expectedStatus: http.StatusUnprocessableEntity,
			errorField:     "price",
		},
		{
			name:           "Malformed Body",
			requestBody:    `{"symbol": "BTC", "price": "abc"}`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/orders", token, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())

			response := decodeObject(t, w)
			switch {
			case tt.expectedStatus == http.StatusCreated:
				order, ok := response["order"].(map[string]interface{})
				require.True(t, ok)
				assert.Equal(t, "open", order["status"])
				assert.Equal(t, "BTC", order["symbol"])
			case tt.errorField != "":
				assert.Equal(t, "Validation failed.", response["message"])
				errs, ok := response["errors"].(map[string]interface{})
				require.True(t, ok)
				assert.Contains(t, errs, tt.errorField)
			}
		})
	}

	page, err := s.ex.UserOrders(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Len(t, page.Orders, 2, "only the accepted orders are stored")
}

func TestHandler_CancelOrder(t *testing.T) {
	s := newTestServer(t)
	alice, aliceToken := s.signup(t, "alice", "10000", nil)
	_, bobToken := s.signup(t, "bob", "0", nil)

	order, err := s.ex.PlaceOrder(context.Background(), exchange.PlaceOrderRequest{
		UserID: alice,
		Symbol: "BTC",
		Side:   models.SideBuy,
		Price:  decimal.RequireFromString("50000"),
		Amount: decimal.RequireFromString("0.1"),
	})
	require.NoError(t, err)
	path := fmt.Sprintf("/orders/%d/cancel", order.ID)

	t.Run("Forbidden For Other Users", func(t *testing.T) {
		w := s.do(t, http.MethodPost, path, bobToken, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Owner Cancels", func(t *testing.T) {
		w := s.do(t, http.MethodPost, path, aliceToken, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		response := decodeObject(t, w)
		assert.Equal(t, true, response["success"])
		assert.Equal(t, "cancelled", response["order"].(map[string]interface{})["status"])

		user, err := s.store.GetUser(context.Background(), alice)
		require.NoError(t, err)
		assert.True(t, user.Balance.Equal(decimal.RequireFromString("10000")), user.Balance.String())
	})

	t.Run("Already Cancelled", func(t *testing.T) {
		w := s.do(t, http.MethodDelete, fmt.Sprintf("/orders/%d", order.ID), aliceToken, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, map[string]interface{}{
			"message": "Order cannot be cancelled.",
			"success": false,
		}, decodeObject(t, w))
	})

	t.Run("Not Found", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/orders/999/cancel", aliceToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Invalid ID", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/orders/abc/cancel", aliceToken, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid order ID", decodeObject(t, w)["error"])
	})
}

func TestHandler_Orders(t *testing.T) {
	s := newTestServer(t)
	_, aliceToken := s.signup(t, "alice", "100000", map[string]string{"ETH": "10"})
	_, bobToken := s.signup(t, "bob", "100000", nil)

	for _, body := range []map[string]interface{}{
		{"symbol": "BTC", "side": "buy", "price": "50000", "amount": "0.1"},
		{"symbol": "ETH", "side": "sell", "price": "3000", "amount": "1"},
		{"symbol": "BTC", "side": "buy", "price": "49000", "amount": "0.1"},
	} {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/orders", aliceToken, body).Code)
	}

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedCount  int
	}{
		{"All Symbols", "/orders", http.StatusOK, 3},
		{"One Symbol", "/orders?symbol=btc", http.StatusOK, 2},
		{"Unknown Symbol", "/orders?symbol=DOGE", http.StatusUnprocessableEntity, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, tt.path, bobToken, nil)
			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedCount >= 0 {
				assert.Len(t, decodeList(t, w), tt.expectedCount)
			}
		})
	}

	t.Run("My Orders", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/orders/my?page=1", aliceToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		page := decodeObject(t, w)
		assert.Len(t, page["data"], 3)
		assert.Equal(t, float64(1), page["current_page"])
		assert.Equal(t, false, page["has_more"])
	})

	t.Run("Someone Else Has None", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/orders/my", bobToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []interface{}{}, decodeObject(t, w)["data"])
	})

	t.Run("Huge Page", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/orders/my?page=1844674407370955163", aliceToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		page := decodeObject(t, w)
		assert.Equal(t, []interface{}{}, page["data"])
		assert.Equal(t, false, page["has_more"])
	})

	t.Run("Invalid Page", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/orders/my?page=zero", aliceToken, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandler_TradesAndProfile(t *testing.T) {
	s := newTestServer(t)
	_, aliceToken := s.signup(t, "alice", "0", map[string]string{"BTC": "1"})
	_, bobToken := s.signup(t, "bob", "100000", nil)

	w := s.do(t, http.MethodGet, "/trades", bobToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeList(t, w))

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/orders", aliceToken,
		map[string]interface{}{"symbol": "BTC", "side": "sell", "price": "95000", "amount": "0.5"}).Code)
	w = s.do(t, http.MethodPost, "/orders", bobToken,
		map[string]interface{}{"symbol": "BTC", "side": "buy", "price": "95000", "amount": "0.5"})
	require.Equal(t, http.StatusCreated, w.Code)
	buyID := int64(decodeObject(t, w)["order"].(map[string]interface{})["id"].(float64))

	trade, err := s.ex.AttemptMatch(context.Background(), buyID)
	require.NoError(t, err)
	require.NotNil(t, trade)

	for _, token := range []string{aliceToken, bobToken} {
		w = s.do(t, http.MethodGet, "/trades", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		trades := decodeList(t, w)
		require.Len(t, trades, 1)
		assert.Equal(t, "95000", trades[0].(map[string]interface{})["price"])
	}

	w = s.do(t, http.MethodGet, "/profile", bobToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	profile := decodeObject(t, w)
	assert.Equal(t, "bob", profile["username"])
	assert.Equal(t, map[string]interface{}{"BTC": "95000", "ETH": nil}, profile["market_prices"])
	assert.Len(t, profile["assets"], 1)
}
