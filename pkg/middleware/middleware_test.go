package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-market/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubValidator map[string]uint

func (v stubValidator) ValidateToken(token string) (*auth.Claims, error) {
	pid, ok := v[token]
	if !ok {
		return nil, errors.New("bad token")
	}
	return &auth.Claims{ParticipantID: pid}, nil
}

func get(r *gin.Engine, path string, headers map[string]string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func TestJWTAuth(t *testing.T) {
	r := gin.New()
	r.GET("/me", JWTAuth(stubValidator{"good": 5}), func(c *gin.Context) {
		pid, ok := auth.ParticipantID(c)
		if !ok || pid != 5 {
			c.Status(http.StatusTeapot)
			return
		}
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer good", http.StatusOK},
		{"lowercase scheme", "bearer good", http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"bad token", "Bearer bad", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, get(r, "/me", map[string]string{"Authorization": tt.header}))
		})
	}
}

func TestInternalAuth(t *testing.T) {
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }

	r := gin.New()
	r.GET("/run", InternalAuth("s3cret"), ok)
	assert.Equal(t, http.StatusOK, get(r, "/run", map[string]string{"X-Internal-Key": "s3cret"}))
	assert.Equal(t, http.StatusUnauthorized, get(r, "/run", map[string]string{"X-Internal-Key": "nope"}))
	assert.Equal(t, http.StatusUnauthorized, get(r, "/run", nil))

	// An unset key disables the internal surface entirely.
	open := gin.New()
	open.GET("/run", InternalAuth(""), ok)
	assert.Equal(t, http.StatusUnauthorized, get(open, "/run", map[string]string{"X-Internal-Key": ""}))
}

func TestRateLimit_PerClient(t *testing.T) {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Participant") == "1" {
			c.Set(auth.ParticipantKey, uint(1))
		}
		if c.GetHeader("X-Participant") == "2" {
			c.Set(auth.ParticipantKey, uint(2))
		}
		c.Next()
	}, RateLimit())
	r.GET("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })

	one := map[string]string{"X-Participant": "1"}
	two := map[string]string{"X-Participant": "2"}

	assert.Equal(t, http.StatusOK, get(r, "/api/v1/auth/token", one))
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/api/v1/auth/token", one))
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/auth/token", two))
}

func TestLimitFor(t *testing.T) {
	assert.Equal(t, authLimit, limitFor("/api/v1/auth/token"))
	assert.Equal(t, tradingLimit, limitFor("/api/v1/orders/buy"))
	assert.Equal(t, statusLimit, limitFor("/api/v1/transactions/:id"))
	assert.Equal(t, rate.Inf, limitFor("/health"))
}
