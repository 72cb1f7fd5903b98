package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestRateLimitKeysByClientIP(t *testing.T) {
	router := newLimitedRouter()

	do := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	// Burst through the auth limit from one address.
	var limited bool
	for i := 0; i < 20; i++ {
		if do("10.0.0.1:1000") == http.StatusBadRequest {
			limited = true
			break
		}
	}
	assert.True(t, limited, "repeated requests from one IP must hit the limit")

	// A different address has its own bucket and is unaffected.
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000"))
}
