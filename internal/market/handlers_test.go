package market

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-market/internal/auth"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewGinHandlers(f.svc)

	r := gin.New()
	// Tests authenticate with a plain header instead of a token.
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Participant"); id != "" {
			var pid uint
			_ = json.Unmarshal([]byte(id), &pid)
			c.Set(auth.ParticipantKey, pid)
		}
	})
	r.POST("/stocks", h.CreateStockHandler())
	r.GET("/stocks", h.ListStocksHandler())
	r.POST("/account/deposit", h.DepositHandler())
	r.GET("/account/balance", h.BalanceHandler())
	r.POST("/inventory", h.OriginateInventoryHandler())
	r.GET("/inventory", h.ListInventoryHandler())
	r.POST("/orders/buy", h.PlaceBuyOrderHandler())
	r.POST("/orders/sell", h.PlaceSellOrderHandler())
	r.GET("/orders/:order_id", h.GetOrderStatusHandler())
	r.GET("/transactions", h.ListTransactionsHandler())
	r.POST("/market/prices", h.RecordPriceHandler())
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, pid uint, body interface{}, headers ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if pid != 0 {
		req.Header.Set("X-Test-Participant", jsonString(pid))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func jsonString(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestHandlers_OrderFlow(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f)
	seller := f.participant(t, "seller")
	buyer := f.participant(t, "buyer")

	code, _ := do(t, r, http.MethodPost, "/stocks", seller, gin.H{"symbol": "acme"})
	assert.Equal(t, http.StatusCreated, code)

	code, env := do(t, r, http.MethodPost, "/stocks", seller, gin.H{"symbol": "ACME"})
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, env.Error)

	code, env = do(t, r, http.MethodPost, "/inventory", seller, gin.H{"symbol": "ACME", "value": "1"})
	require.Equal(t, http.StatusCreated, code)
	var items []struct {
		InventoryID uint   `json:"inventory_id"`
		Symbol      string `json:"symbol"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "ACME", items[0].Symbol)

	sellReq := gin.H{"inventory_id": items[0].InventoryID, "order_type": "LIMIT", "price": "0.51"}
	code, _ = do(t, r, http.MethodPost, "/orders/sell", seller, sellReq)
	assert.Equal(t, http.StatusBadRequest, code, "idempotency key is required")

	code, env = do(t, r, http.MethodPost, "/orders/sell", seller, sellReq, "Idempotency-Key", "s-1")
	require.Equal(t, http.StatusCreated, code)
	var sell struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
		Price   string `json:"price"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sell))
	assert.Equal(t, OrderStatusOpen, sell.Status)
	assert.Equal(t, "0.51", sell.Price)

	// Replaying the key returns the same order.
	code, env = do(t, r, http.MethodPost, "/orders/sell", seller, sellReq, "Idempotency-Key", "s-1")
	require.Equal(t, http.StatusCreated, code)
	var replay struct {
		OrderID string `json:"order_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &replay))
	assert.Equal(t, sell.OrderID, replay.OrderID)

	code, _ = do(t, r, http.MethodPost, "/orders/sell", buyer,
		gin.H{"inventory_id": items[0].InventoryID, "order_type": "MARKET"}, "Idempotency-Key", "b-0")
	assert.Equal(t, http.StatusForbidden, code)

	code, env = do(t, r, http.MethodPost, "/orders/buy", buyer,
		gin.H{"symbol": "ACME", "order_type": "MARKET", "price": "1"}, "Idempotency-Key", "b-1")
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)

	code, _ = do(t, r, http.MethodGet, "/orders/"+sell.OrderID, seller, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, r, http.MethodGet, "/orders/"+sell.OrderID, buyer, nil)
	assert.Equal(t, http.StatusNotFound, code, "orders are private to their owner")

	code, _ = do(t, r, http.MethodGet, "/orders/NOPE_1", seller, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = do(t, r, http.MethodGet, "/inventory?symbol=acme", seller, nil)
	require.Equal(t, http.StatusOK, code)
	var count struct {
		Available int64 `json:"available"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &count))
	assert.Equal(t, int64(1), count.Available)

	code, env = do(t, r, http.MethodGet, "/transactions", buyer, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(env.Data))
}

func TestHandlers_Account(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f)
	pid := f.participant(t, "alice")

	code, _ := do(t, r, http.MethodGet, "/account/balance", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := do(t, r, http.MethodPost, "/account/deposit", pid, gin.H{"amount": "2.75"})
	require.Equal(t, http.StatusCreated, code)

	code, env = do(t, r, http.MethodGet, "/account/balance", pid, nil)
	require.Equal(t, http.StatusOK, code)
	var balance struct {
		AccountKey string `json:"account_key"`
		Balance    string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &balance))
	assert.NotEmpty(t, balance.AccountKey)
	assert.Equal(t, "2.75", balance.Balance)

	code, _ = do(t, r, http.MethodPost, "/account/deposit", pid, gin.H{"amount": "0"})
	assert.Equal(t, http.StatusBadRequest, code)
}
