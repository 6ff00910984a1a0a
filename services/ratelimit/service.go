package ratelimit

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Service enforces per-backend outbound request rates with token
// buckets. Backends configured as unlimited bypass the limiter
// entirely and never block.
type Service struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rpm      map[string]int
	logger   *zap.Logger
}

// NewService creates an empty rate limit service.
func NewService(logger *zap.Logger) *Service {
	return &Service{
		limiters: make(map[string]*rate.Limiter),
		rpm:      make(map[string]int),
		logger:   logger,
	}
}

// SetLimit installs the limit for a backend. rpm <= 0 marks the
// backend unlimited. Re-applying an unchanged rpm keeps the existing
// bucket so accumulated tokens survive config reloads.
func (s *Service) SetLimit(backend string, rpm int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.rpm[backend]; ok && prev == rpm {
		return
	}
	s.rpm[backend] = rpm

	if rpm <= 0 {
		delete(s.limiters, backend)
		s.logger.Debug("rate limit disabled", zap.String("backend", backend))
		return
	}

	burst := rpm / 60
	if burst < 1 {
		burst = 1
	}
	s.limiters[backend] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	s.logger.Debug("rate limit configured",
		zap.String("backend", backend),
		zap.Int("requests_per_minute", rpm),
		zap.Int("burst", burst))
}

// RemoveLimit drops all limiter state for a backend.
func (s *Service) RemoveLimit(backend string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, backend)
	delete(s.rpm, backend)
}

// Wait blocks until the backend's bucket grants a token or ctx ends.
// Unlimited and unknown backends return immediately.
func (s *Service) Wait(ctx context.Context, backend string) error {
	s.mu.RLock()
	limiter := s.limiters[backend]
	s.mu.RUnlock()

	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// Allow reports whether a request may proceed right now without
// blocking. Unlimited and unknown backends always may.
func (s *Service) Allow(backend string) bool {
	s.mu.RLock()
	limiter := s.limiters[backend]
	s.mu.RUnlock()

	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// Limited reports whether the backend has an active limit.
func (s *Service) Limited(backend string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiters[backend] != nil
}
