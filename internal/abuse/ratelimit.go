package abuse

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mozilla-services/channelserver/internal/metrics"
)

// ConnectionRateLimiter bounds connect attempts two ways: per source IP and
// system-wide, so a single noisy client cannot exhaust the global budget
// and a distributed flood cannot exceed it either. Adapted from the
// connection_rate_limiter used by an earlier iteration of this server.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	metrics metrics.Metrics
	logger  zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig configures a ConnectionRateLimiter.
type ConnectionRateLimiterConfig struct {
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration

	GlobalBurst int
	GlobalRate  float64

	Metrics metrics.Metrics
	Logger  zerolog.Logger
}

// NewConnectionRateLimiter builds a ConnectionRateLimiter and starts its
// stale-entry cleanup goroutine. Call Stop when shutting down.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		metrics:       config.Metrics,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	crl.cleanupTicker = time.NewTicker(time.Minute)
	go crl.cleanupLoop()

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("connection rate limiter initialized")

	return crl
}

// Allow reports whether a connect attempt from ip should proceed. The
// per-IP budget is checked first, so attempts rejected for their own
// address never draw on the global budget.
func (crl *ConnectionRateLimiter) Allow(ip string) bool {
	limiter := crl.getIPLimiter(ip)
	if !limiter.Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("connection rejected: per-IP rate limit exceeded")
		if crl.metrics != nil {
			crl.metrics.ConnRequest("rate_limited_ip")
		}
		return false
	}

	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("connection rejected: global rate limit exceeded")
		if crl.metrics != nil {
			crl.metrics.ConnRequest("rate_limited_global")
		}
		return false
	}
	return true
}

func (crl *ConnectionRateLimiter) getIPLimiter(ip string) *rate.Limiter {
	crl.ipMu.RLock()
	entry, exists := crl.ipLimiters[ip]
	crl.ipMu.RUnlock()
	if exists {
		crl.ipMu.Lock()
		entry.lastAccess = time.Now()
		crl.ipMu.Unlock()
		return entry.limiter
	}

	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	if entry, exists = crl.ipLimiters[ip]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-crl.cleanupTicker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			crl.cleanupTicker.Stop()
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
		}
	}
}

// Stop halts the cleanup goroutine. Safe to call once during shutdown.
func (crl *ConnectionRateLimiter) Stop() {
	close(crl.stopCleanup)
}
