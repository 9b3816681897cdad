package middleware

import (
	"sync"
	"time"

	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request rates globally and per client IP.
type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled"`
	GlobalRPS   float64 `yaml:"globalRps"`
	GlobalBurst int     `yaml:"globalBurst"`
	PerIPRPS    float64 `yaml:"perIpRps"`
	PerIPBurst  int     `yaml:"perIpBurst"`
	// IdleTTL evicts per-IP limiters not used for this long.
	IdleTTL time.Duration `yaml:"idleTtl"`
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket limiter with a global and a per-IP bucket.
type RateLimiter struct {
	cfg    RateLimitConfig
	global *rate.Limiter

	mu      sync.Mutex
	perIP   map[string]*ipLimiter
	lastGC  time.Time
	nowFunc func() time.Time
}

// NewRateLimiter fills missing bursts from the rates.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = int(cfg.GlobalRPS*2) + 1
	}
	if cfg.PerIPBurst <= 0 {
		cfg.PerIPBurst = int(cfg.PerIPRPS) + 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	rl := &RateLimiter{
		cfg:     cfg,
		perIP:   make(map[string]*ipLimiter),
		nowFunc: time.Now,
	}
	if cfg.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst)
	}
	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.cfg.PerIPRPS <= 0 {
		return true
	}
	return rl.limiterFor(ip).Allow()
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	if now.Sub(rl.lastGC) > rl.cfg.IdleTTL {
		for key, l := range rl.perIP {
			if now.Sub(l.lastSeen) > rl.cfg.IdleTTL {
				delete(rl.perIP, key)
			}
		}
		rl.lastGC = now
	}

	l, ok := rl.perIP[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rl.cfg.PerIPRPS), rl.cfg.PerIPBurst)}
		rl.perIP[ip] = l
	}
	l.lastSeen = now
	return l.limiter
}

// RateLimitMiddleware answers 429 when the limiter refuses the client.
func RateLimitMiddleware(rl *RateLimiter, onReject func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil || !rl.cfg.Enabled {
			c.Next()
			return
		}
		if !rl.Allow(c.ClientIP()) {
			if onReject != nil {
				onReject()
			}
			response.AbortWithErrorCode(c, appErr.TooManyRequests, "")
			return
		}
		c.Next()
	}
}
