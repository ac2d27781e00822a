package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultCheckInterval = 30 * time.Second
	defaultCheckTimeout  = 10 * time.Second
	unhealthyThreshold   = 3
)

// HealthStatus is the latest health check outcome for one provider.
type HealthStatus struct {
	Healthy             bool
	LastCheck           time.Time
	ConsecutiveFailures int
	LastError           string
}

// HealthChecker polls provider HealthCheck on an interval. A provider turns
// unhealthy after unhealthyThreshold consecutive failures and healthy again
// after one success. Health is reported on the ops server only; the
// dispatcher keeps sending and relies on retries.
type HealthChecker struct {
	providers []Provider
	interval  time.Duration
	timeout   time.Duration
	log       zerolog.Logger

	mu       sync.RWMutex
	statuses map[string]*HealthStatus

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewHealthChecker monitors providers. A non-positive interval uses 30s.
func NewHealthChecker(interval time.Duration, log zerolog.Logger, providers ...Provider) *HealthChecker {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &HealthChecker{
		providers: providers,
		interval:  interval,
		timeout:   defaultCheckTimeout,
		log:       log.With().Str("component", "provider_health").Logger(),
		statuses:  make(map[string]*HealthStatus),
		done:      make(chan struct{}),
	}
}

// Start checks every provider immediately and then once per interval until
// ctx is cancelled or Stop is called.
func (hc *HealthChecker) Start(ctx context.Context) {
	ctx, hc.cancel = context.WithCancel(ctx)
	go hc.run(ctx)
}

// Stop ends the loop and waits for an in-flight check.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() {
		if hc.cancel == nil {
			close(hc.done)
			return
		}
		hc.cancel()
		<-hc.done
	})
}

// IsHealthy reports the provider's health. A provider not yet checked is
// unhealthy.
func (hc *HealthChecker) IsHealthy(name string) bool {
	s, ok := hc.GetStatus(name)
	return ok && s.Healthy
}

// GetStatus returns a copy of the provider's status.
func (hc *HealthChecker) GetStatus(name string) (HealthStatus, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	s, ok := hc.statuses[name]
	if !ok {
		return HealthStatus{}, false
	}
	return *s, true
}

// GetAllStatuses returns a snapshot keyed by provider name.
func (hc *HealthChecker) GetAllStatuses() map[string]HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make(map[string]HealthStatus, len(hc.statuses))
	for name, s := range hc.statuses {
		out[name] = *s
	}
	return out
}

// CheckNow runs one synchronous round.
func (hc *HealthChecker) CheckNow(ctx context.Context) {
	for _, p := range hc.providers {
		hc.check(ctx, p)
	}
}

func (hc *HealthChecker) run(ctx context.Context) {
	defer close(hc.done)

	hc.CheckNow(ctx)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.CheckNow(ctx)
		}
	}
}

func (hc *HealthChecker) check(ctx context.Context, p Provider) {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	name := p.Name()
	err := p.HealthCheck(ctx)
	HealthChecksTotal.WithLabelValues(name, checkResult(err)).Inc()

	hc.mu.Lock()
	s, ok := hc.statuses[name]
	if !ok {
		s = &HealthStatus{Healthy: true}
		hc.statuses[name] = s
	}
	wasHealthy := s.Healthy
	s.LastCheck = time.Now()
	if err != nil {
		s.ConsecutiveFailures++
		s.LastError = err.Error()
		if s.ConsecutiveFailures >= unhealthyThreshold {
			s.Healthy = false
		}
	} else {
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.Healthy = true
	}
	healthy := s.Healthy
	failures := s.ConsecutiveFailures
	hc.mu.Unlock()

	if healthy {
		ProviderUp.WithLabelValues(name).Set(1)
	} else {
		ProviderUp.WithLabelValues(name).Set(0)
	}

	switch {
	case wasHealthy && !healthy:
		hc.log.Error().Err(err).Str("provider", name).Int("consecutive_failures", failures).Msg("provider marked unhealthy")
	case !wasHealthy && healthy:
		hc.log.Info().Str("provider", name).Msg("provider recovered")
	case err != nil:
		hc.log.Warn().Err(err).Str("provider", name).Int("consecutive_failures", failures).Msg("provider health check failed")
	}
}

func checkResult(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
