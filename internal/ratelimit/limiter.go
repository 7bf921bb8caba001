// Package ratelimit gates every outbound HTTP call behind per-service request
// windows (RPS/RPM/TPM/RPD) and cooperative backoff on quota errors.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Hour
)

// Limits is the subset of windows configured for one service. Zero means the
// window is not enforced.
type Limits struct {
	RPS int // max requests in any 1-second sliding window
	RPM int // max requests in any 60-second sliding window
	TPM int // max estimated tokens per 60-second sliding window
	RPD int // max requests per calendar day
}

type tokenStamp struct {
	at time.Time
	n  int
}

type serviceState struct {
	mu     sync.Mutex
	limits Limits

	second []time.Time
	minute []time.Time
	daily  []time.Time
	tokens []tokenStamp

	day           string
	dailyExceeded bool

	quotaExceeded bool
	quotaReset    time.Time
	backoff       time.Duration
}

// Limiter holds the rate-limit state for every named service. One Limiter is
// created at process start and injected into each component that performs
// I/O.
type Limiter struct {
	mu       sync.Mutex
	services map[string]*serviceState

	// Injectable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a limiter with the given per-service limits.
func New(limits map[string]Limits) *Limiter {
	l := &Limiter{
		services: make(map[string]*serviceState, len(limits)),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for name, lim := range limits {
		l.services[name] = &serviceState{limits: lim, backoff: initialBackoff}
	}
	return l
}

func (l *Limiter) state(service string) *serviceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.services[service]
	if !ok {
		s = &serviceState{backoff: initialBackoff}
		l.services[service] = s
	}
	return s
}

// Acquire blocks until a request to service may proceed under its configured
// windows. It returns false without blocking when the daily quota is already
// spent; the caller should skip the fetch. The context bounds all waiting.
func (l *Limiter) Acquire(ctx context.Context, service string, estimatedTokens int) (bool, error) {
	s := l.state(service)
	s.mu.Lock()
	for {
		now := l.now()

		// Day rollover clears the daily window.
		if s.limits.RPD > 0 {
			day := now.Format("2006-01-02")
			if s.day != day {
				s.day = day
				s.daily = s.daily[:0]
				s.dailyExceeded = false
			}
			if s.dailyExceeded || len(s.daily) >= s.limits.RPD {
				s.dailyExceeded = true
				s.mu.Unlock()
				return false, nil
			}
		}

		s.purge(now)

		// A reported quota error parks the service until its reset instant.
		if s.quotaExceeded {
			if now.Before(s.quotaReset) {
				wait := s.quotaReset.Sub(now)
				s.mu.Unlock()
				log.WithFields(log.Fields{"service": service, "wait": wait}).Warn("quota exceeded, waiting for reset")
				if err := l.sleep(ctx, wait); err != nil {
					return false, err
				}
				s.mu.Lock()
				continue
			}
			s.quotaExceeded = false
			s.backoff = initialBackoff
		}

		wait := s.nextWait(now, estimatedTokens)
		if wait <= 0 {
			s.second = append(s.second, now)
			s.minute = append(s.minute, now)
			if s.limits.RPD > 0 {
				s.daily = append(s.daily, now)
			}
			if s.limits.TPM > 0 && estimatedTokens > 0 {
				s.tokens = append(s.tokens, tokenStamp{at: now, n: estimatedTokens})
			}
			s.mu.Unlock()
			return true, nil
		}

		// Sleep with the lock released so other callers are not blocked.
		s.mu.Unlock()
		if err := l.sleep(ctx, wait); err != nil {
			return false, err
		}
		s.mu.Lock()
	}
}

// nextWait returns how long the caller must wait for the first full window to
// drain, checking RPS, then RPM, then TPM. Caller holds s.mu.
func (s *serviceState) nextWait(now time.Time, estimatedTokens int) time.Duration {
	if s.limits.RPS > 0 && len(s.second) >= s.limits.RPS {
		return s.second[0].Add(time.Second).Sub(now)
	}
	if s.limits.RPM > 0 && len(s.minute) >= s.limits.RPM {
		return s.minute[0].Add(time.Minute).Sub(now)
	}
	if s.limits.TPM > 0 && estimatedTokens > 0 {
		sum := 0
		for _, t := range s.tokens {
			sum += t.n
		}
		if sum+estimatedTokens > s.limits.TPM && len(s.tokens) > 0 {
			return s.tokens[0].at.Add(time.Minute).Sub(now)
		}
	}
	return 0
}

// purge drops window entries that have aged out. Caller holds s.mu.
func (s *serviceState) purge(now time.Time) {
	cut := now.Add(-time.Second)
	for len(s.second) > 0 && !s.second[0].After(cut) {
		s.second = s.second[1:]
	}
	cut = now.Add(-time.Minute)
	for len(s.minute) > 0 && !s.minute[0].After(cut) {
		s.minute = s.minute[1:]
	}
	for len(s.tokens) > 0 && !s.tokens[0].at.After(cut) {
		s.tokens = s.tokens[1:]
	}
}

// ReportError switches the service into quota-exceeded state when err looks
// like throttling, doubling the backoff each time (capped at one hour).
func (l *Limiter) ReportError(service string, err error) {
	if err == nil || !IsQuotaError(err) {
		return
	}
	s := l.state(service)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := l.now()
	s.quotaExceeded = true
	s.quotaReset = now.Add(s.backoff)
	s.backoff *= 2
	if s.backoff > maxBackoff {
		s.backoff = maxBackoff
	}
	log.WithFields(log.Fields{"service": service, "reset": s.quotaReset}).Warn("service reported quota error")
}

// ReportSuccess resets the backoff after a successful call.
func (l *Limiter) ReportSuccess(service string) {
	s := l.state(service)
	s.mu.Lock()
	s.backoff = initialBackoff
	s.mu.Unlock()
}

// IsQuotaError reports whether err indicates quota exhaustion (HTTP 429 or a
// provider "resource exhausted" message).
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "quota")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
