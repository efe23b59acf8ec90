// Package quote implements the multi-source quote retrieval layer: a tiered
// fetch order across providers, independent per-source exponential backoff,
// and a two-tier (fresh/stale) cache with counters for fresh and stale cache
// hits and provider fetch successes and failures, plus the derived
// stale-cache-usage rate.
package quote

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

// Provider fetches a single symbol's quote from one upstream source.
type Provider interface {
	Name() string
	FetchQuote(ctx context.Context, symbol domain.Symbol) (domain.Quote, error)
}

// Recorder mirrors the service's counters into an external metrics registry
// (satisfied by *metrics.Metrics). The service's own Counters snapshot stays
// authoritative; the recorder exists so the Prometheus exposition and the
// /metrics/quote-service endpoint never disagree on what happened.
type Recorder interface {
	RecordQuoteCacheHit(tier string)
	RecordQuoteFetch(outcome string)
}

// Counters is the observable surface of the quote service.
type Counters struct {
	CacheHitsFresh   uint64
	CacheHitsStale   uint64
	FetchSuccesses   uint64
	FetchFailures    uint64
	MaxCacheAgeSeen  time.Duration
}

// StaleCacheUsageRate returns cache_hits_stale / (cache_hits_fresh +
// cache_hits_stale), or 0 if neither has ever been recorded.
func (c Counters) StaleCacheUsageRate() float64 {
	total := c.CacheHitsFresh + c.CacheHitsStale
	if total == 0 {
		return 0
	}
	return float64(c.CacheHitsStale) / float64(total)
}

type cacheEntry struct {
	quote domain.Quote
}

// providerBackoff tracks one provider's independent exponential-backoff
// window.
type providerBackoff struct {
	until          time.Time
	currentBackoff time.Duration
}

// Service is the single entry point the Trade Loop uses to obtain quotes. It
// owns no network transport directly; providers are injected so paper and
// live modes can be swapped without touching this package.
type Service struct {
	mu         sync.Mutex
	providers  []Provider
	backoff    map[string]*providerBackoff
	cache      map[domain.Symbol]cacheEntry
	counters   Counters
	fanOut     int
	initialBO  time.Duration
	maxBO      time.Duration
	timeout    time.Duration
	log        zerolog.Logger
	recorder   Recorder
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithFanOutLimit bounds how many providers are queried concurrently on a
// cache miss.
func WithFanOutLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.fanOut = n
		}
	}
}

// WithBackoffWindow sets the initial and maximum per-provider backoff
// duration.
func WithBackoffWindow(initial, max time.Duration) Option {
	return func(s *Service) {
		if initial > 0 {
			s.initialBO = initial
		}
		if max > 0 {
			s.maxBO = max
		}
	}
}

// WithProviderTimeout bounds a single provider fetch attempt.
func WithProviderTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRecorder mirrors counter bumps into r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// NewService builds a Service that queries providers in priority order:
// providers[0] is the preferred source, the rest are fallbacks.
func NewService(providers []Provider, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		providers: providers,
		backoff:   make(map[string]*providerBackoff),
		cache:     make(map[domain.Symbol]cacheEntry),
		fanOut:    3,
		initialBO: time.Second,
		maxBO:     2 * time.Minute,
		timeout:   5 * time.Second,
		log:       log.With().Str("component", "quote_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Counters returns a snapshot of the current observable counters.
func (s *Service) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// GetQuote returns the freshest acceptable quote for symbol, or false. A
// cached quote no older than maxAge is returned without network I/O;
// otherwise eligible providers are raced, and if all fail a stale cached
// quote of any age is served when useStaleCache allows it.
func (s *Service) GetQuote(ctx context.Context, symbol domain.Symbol, maxAge time.Duration, useStaleCache bool) (domain.Quote, bool) {
	s.mu.Lock()
	entry, cached := s.cache[symbol]
	s.mu.Unlock()

	now := time.Now()
	if cached && maxAge > 0 {
		// maxAge == 0 always bypasses the fresh cache and forces a fetch.
		age := now.Sub(entry.quote.FetchedAt)
		if age <= maxAge {
			s.recordCacheHit(false, age)
			return entry.quote, true
		}
	}

	if q, ok := s.fetchFromProviders(ctx, symbol); ok {
		s.mu.Lock()
		s.cache[symbol] = cacheEntry{quote: q}
		s.mu.Unlock()
		return q, true
	}

	if useStaleCache && cached {
		age := now.Sub(entry.quote.FetchedAt)
		s.recordCacheHit(true, age)
		return entry.quote, true
	}

	return domain.Quote{}, false
}

// fetchFromProviders attempts every non-backed-off provider, bounded by the
// fan-out ceiling; the first success wins and cancels the rest.
func (s *Service) fetchFromProviders(ctx context.Context, symbol domain.Symbol) (domain.Quote, bool) {
	candidates := s.eligibleProviders()
	if len(candidates) == 0 {
		s.bumpFailure()
		return domain.Quote{}, false
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(fetchCtx)
	g.SetLimit(s.fanOut)

	var (
		resultMu sync.Mutex
		result   domain.Quote
		won      bool
	)

	for _, p := range candidates {
		p := p
		g.Go(func() error {
			attemptCtx, attemptCancel := context.WithTimeout(gctx, s.timeout)
			defer attemptCancel()

			q, err := p.FetchQuote(attemptCtx, symbol)
			if err != nil || q.Price <= 0 {
				s.recordProviderFailure(p.Name())
				return nil
			}

			s.recordProviderSuccess(p.Name())

			resultMu.Lock()
			defer resultMu.Unlock()
			if !won {
				won = true
				result = q
				cancel()
			}
			return nil
		})
	}

	_ = g.Wait()

	if !won {
		s.bumpFailure()
		return domain.Quote{}, false
	}
	s.bumpSuccess()
	return result, true
}

func (s *Service) eligibleProviders() []Provider {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var eligible []Provider
	for _, p := range s.providers {
		bo, inBackoff := s.backoff[p.Name()]
		if inBackoff && now.Before(bo.until) {
			continue
		}
		eligible = append(eligible, p)
	}
	return eligible
}

// recordProviderFailure advances the provider's backoff window, doubling up
// to the cap with jitter added on top.
func (s *Service) recordProviderFailure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bo, ok := s.backoff[name]
	if !ok {
		bo = &providerBackoff{currentBackoff: s.initialBO}
		s.backoff[name] = bo
	} else {
		next := time.Duration(float64(bo.currentBackoff) * 2)
		if next > s.maxBO {
			next = s.maxBO
		}
		bo.currentBackoff = next
	}
	jitter := time.Duration(rand.Int63n(int64(bo.currentBackoff/4) + 1))
	bo.until = time.Now().Add(bo.currentBackoff + jitter)

	s.log.Warn().Str("provider", name).Dur("backoff", bo.currentBackoff).Msg("provider entering backoff")
}

// recordProviderSuccess resets a provider's backoff window entirely.
func (s *Service) recordProviderSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoff, name)
}

func (s *Service) recordCacheHit(stale bool, age time.Duration) {
	s.mu.Lock()
	tier := "fresh"
	if stale {
		s.counters.CacheHitsStale++
		tier = "stale"
	} else {
		s.counters.CacheHitsFresh++
	}
	if age > s.counters.MaxCacheAgeSeen {
		s.counters.MaxCacheAgeSeen = age
	}
	s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.RecordQuoteCacheHit(tier)
	}
}

func (s *Service) bumpSuccess() {
	s.mu.Lock()
	s.counters.FetchSuccesses++
	s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.RecordQuoteFetch("success")
	}
}

func (s *Service) bumpFailure() {
	s.mu.Lock()
	s.counters.FetchFailures++
	s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.RecordQuoteFetch("failure")
	}
}

// ErrNoProviders names a misconfigured service (no providers registered at
// all) as distinct from an ordinary all-providers-failed outcome; no function
// in this package returns it.
var ErrNoProviders = fmt.Errorf("quote: no providers configured")
