package mw

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// bucketIdleTTL is how long an unused client bucket is kept.
const bucketIdleTTL = 10 * time.Minute

// ClientLimiter holds one token bucket per client address for a route class.
// Buckets idle for bucketIdleTTL are evicted.
type ClientLimiter struct {
	class   string
	r       rate.Limit
	b       int
	buckets *cache.Cache
}

// NewClientLimiter creates a limiter for the named route class.
func NewClientLimiter(class string, r rate.Limit, b int) *ClientLimiter {
	return &ClientLimiter{
		class:   class,
		r:       r,
		b:       b,
		buckets: cache.New(bucketIdleTTL, 2*bucketIdleTTL),
	}
}

// Reserve takes a token for client. It reports false with the wait until the
// next token when the bucket is empty.
func (l *ClientLimiter) Reserve(client string) (bool, time.Duration) {
	key := l.class + "|" + client
	var limiter *rate.Limiter
	if v, found := l.buckets.Get(key); found {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.r, l.b)
		if err := l.buckets.Add(key, limiter, cache.DefaultExpiration); err != nil {
			// Lost a race with another request from the same client.
			v, _ := l.buckets.Get(key)
			limiter = v.(*rate.Limiter)
		}
	}
	// Refresh the idle deadline.
	l.buckets.Set(key, limiter, cache.DefaultExpiration)

	now := time.Now()
	res := limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, 0
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// RateLimit rejects requests over the limiter's budget with 429 and a
// Retry-After header.
func RateLimit(l *ClientLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Reserve(c.ClientIP())
		if !ok {
			if wait > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "class": l.class})
			return
		}
		c.Next()
	}
}
