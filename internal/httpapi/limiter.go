package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cutekitek/rankode-exec/internal/metrics"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// ipLimiter keeps one token bucket per client address.
type ipLimiter struct {
	rps     rate.Limit
	burst   int
	clients *xsync.MapOf[string, *clientLimiter]
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: xsync.NewMapOf[string, *clientLimiter](),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	cl, _ := l.clients.LoadOrCompute(ip, func() *clientLimiter {
		return &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
	})
	cl.lastSeen.Store(time.Now().UnixNano())
	return cl.limiter.Allow()
}

func (l *ipLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			metrics.RateLimitHits.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.ErrorBody{Error: msgTooManyRequests})
			return
		}
		c.Next()
	}
}

// prune drops clients idle for longer than idle, until ctx is done.
func (l *ipLimiter) prune(ctx context.Context, idle time.Duration) {
	t := time.NewTicker(idle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.evictIdle(now, idle)
		}
	}
}

func (l *ipLimiter) evictIdle(now time.Time, idle time.Duration) {
	cutoff := now.Add(-idle).UnixNano()
	l.clients.Range(func(ip string, cl *clientLimiter) bool {
		if cl.lastSeen.Load() < cutoff {
			l.clients.Delete(ip)
		}
		return true
	})
}
