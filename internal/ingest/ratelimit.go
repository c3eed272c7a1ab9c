package ingest

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// staleAfter is how long an idle client keeps its bucket before it is
// dropped during sweeps.
const staleAfter = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-source token bucket on the webhook: one
// bucket per client IP, swept lazily so idle sources do not accumulate.
// Rejected requests get a 429 with a Retry-After estimate derived from
// the bucket's refill rate.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	var (
		mu        sync.Mutex
		buckets   = make(map[string]*clientBucket)
		lastSweep = time.Now()
	)

	retryAfter := "1"
	if rps > 0 {
		retryAfter = strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(rps)))))
	}

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		if now.Sub(lastSweep) > staleAfter {
			for addr, b := range buckets {
				if now.Sub(b.lastSeen) > staleAfter {
					delete(buckets, addr)
				}
			}
			lastSweep = now
		}
		b, ok := buckets[ip]
		if !ok {
			b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			buckets[ip] = b
		}
		b.lastSeen = now
		allowed := b.limiter.Allow()
		mu.Unlock()

		if !allowed {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
