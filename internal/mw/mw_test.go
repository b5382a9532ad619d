package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func serve(r *gin.Engine, method, path, remoteAddr string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range header {
		req.Header[k] = v
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(NewClientLimiter("api", rate.Limit(0.001), 2)))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = serve(r, http.MethodGet, "/", "10.0.0.1:1234", nil)
		codes = append(codes, last.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"too many requests","class":"api"}`, last.Body.String())

	// Other clients have their own bucket.
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/", "10.0.0.2:1234", nil).Code)
}

func TestRateLimit_CommandClassIsStricter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(NewClientLimiter("api", rate.Limit(0.001), 5)))
	command := RateLimit(NewClientLimiter("command", rate.Limit(0.001), 1))
	r.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/cycles", command, func(c *gin.Context) { c.Status(http.StatusCreated) })

	testCases := []struct {
		method       string
		path         string
		expectedCode int
	}{
		{http.MethodPost, "/cycles", http.StatusCreated},
		{http.MethodPost, "/cycles", http.StatusTooManyRequests},
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodGet, "/status", http.StatusOK},
		// The general budget of 5 is now spent.
		{http.MethodGet, "/status", http.StatusTooManyRequests},
	}
	for i, tc := range testCases {
		w := serve(r, tc.method, tc.path, "10.0.0.1:1234", nil)
		assert.Equal(t, tc.expectedCode, w.Code, "request %d: %s %s", i, tc.method, tc.path)
	}
}

func TestClientLimiter_Reserve(t *testing.T) {
	l := NewClientLimiter("command", rate.Limit(1), 1)

	ok, wait := l.Reserve("10.0.0.1")
	assert.True(t, ok)
	assert.Zero(t, wait)

	ok, wait = l.Reserve("10.0.0.1")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)

	// A refused request does not consume a token.
	ok, wait2 := l.Reserve("10.0.0.1")
	assert.False(t, ok)
	assert.LessOrEqual(t, wait2, wait)
}

func TestResponseCache(t *testing.T) {
	gin.SetMode(gin.TestMode)
	calls := 0
	r := gin.New()
	r.Use(NewResponseCache(time.Minute).Handler())
	r.GET("/ok", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"n": calls})
	})
	r.GET("/fail", func(c *gin.Context) {
		calls++
		c.String(http.StatusInternalServerError, "boom")
	})
	r.POST("/ok", func(c *gin.Context) {
		calls++
		c.Status(http.StatusNoContent)
	})

	first := serve(r, http.MethodGet, "/ok?a=1&b=2", "", nil)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"n":1}`, first.Body.String())

	second := serve(r, http.MethodGet, "/ok?b=2&a=1", "", nil)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"), "query order does not change the key")
	assert.JSONEq(t, `{"n":1}`, second.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", second.Header().Get("Content-Type"))
	assert.Equal(t, 1, calls)

	fresh := serve(r, http.MethodGet, "/ok?a=1&b=2", "", http.Header{"Cache-Control": {"no-cache"}})
	assert.Equal(t, "MISS", fresh.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"n":2}`, fresh.Body.String())
	assert.JSONEq(t, `{"n":2}`, serve(r, http.MethodGet, "/ok?a=1&b=2", "", nil).Body.String(), "bypass refreshes the entry")
	assert.Equal(t, 2, calls)

	serve(r, http.MethodGet, "/fail", "", nil)
	serve(r, http.MethodGet, "/fail", "", nil)
	assert.Equal(t, 4, calls)

	serve(r, http.MethodPost, "/ok", "", nil)
	serve(r, http.MethodPost, "/ok", "", nil)
	assert.Equal(t, 6, calls)
}
