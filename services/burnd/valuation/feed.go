package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned when no valuation has ever been observed and the
// upstream source cannot be reached.
var ErrUnavailable = errors.New("burnd/valuation: valuation unavailable")

// Reading is a valuation observation.
type Reading struct {
	Value      float64
	ObservedAt time.Time
	Source     string
	Stale      bool
}

// Metrics receives valuation updates.
type Metrics interface {
	SetValuation(value float64, stale bool)
}

// Feed caches a Source behind a TTL. Concurrent refreshes collapse into one
// upstream request and the last good reading is served when the source fails.
type Feed struct {
	source         Source
	ttl            time.Duration
	requestTimeout time.Duration
	now            func() time.Time
	metrics        Metrics
	logger         *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	last  *Reading
}

// Option customises a Feed.
type Option func(*Feed)

// WithTTL sets how long a reading is considered fresh.
func WithTTL(ttl time.Duration) Option {
	return func(f *Feed) {
		if ttl > 0 {
			f.ttl = ttl
		}
	}
}

// WithRequestTimeout bounds each upstream fetch.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(f *Feed) {
		if timeout > 0 {
			f.requestTimeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) {
		if now != nil {
			f.now = now
		}
	}
}

// WithMetrics wires a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(f *Feed) {
		f.metrics = m
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Feed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFeed wraps source with caching.
func NewFeed(source Source, opts ...Option) *Feed {
	f := &Feed{
		source:         source,
		ttl:            30 * time.Second,
		requestTimeout: 10 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Current returns a reading no older than the TTL when the source is healthy,
// and the last known reading flagged stale when it is not.
func (f *Feed) Current(ctx context.Context) (Reading, error) {
	if f == nil || f.source == nil {
		return Reading{}, ErrUnavailable
	}
	if cached, ok := f.cached(); ok && f.now().Sub(cached.ObservedAt) <= f.ttl {
		return cached, nil
	}
	value, err, _ := f.group.Do("valuation", func() (any, error) {
		if cached, ok := f.cached(); ok && f.now().Sub(cached.ObservedAt) <= f.ttl {
			return cached, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.requestTimeout)
		defer cancel()
		raw, err := f.source.Fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		reading := Reading{Value: raw, ObservedAt: f.now(), Source: f.source.Name()}
		f.mu.Lock()
		f.last = &reading
		f.mu.Unlock()
		if f.metrics != nil {
			f.metrics.SetValuation(reading.Value, false)
		}
		return reading, nil
	})
	if err != nil {
		cached, ok := f.cached()
		if !ok {
			return Reading{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		cached.Stale = true
		f.logger.Warn("valuation source failed, serving cached value",
			slog.String("source", f.source.Name()),
			slog.Float64("valuation", cached.Value),
			slog.Duration("age", f.now().Sub(cached.ObservedAt)),
			slog.String("error", err.Error()))
		if f.metrics != nil {
			f.metrics.SetValuation(cached.Value, true)
		}
		return cached, nil
	}
	return value.(Reading), nil
}

// Value is a convenience wrapper returning only the number.
func (f *Feed) Value(ctx context.Context) (float64, error) {
	reading, err := f.Current(ctx)
	if err != nil {
		return 0, err
	}
	return reading.Value, nil
}

// Last returns the most recent reading without contacting the source.
func (f *Feed) Last() (Reading, bool) {
	return f.cached()
}

func (f *Feed) cached() (Reading, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.last == nil {
		return Reading{}, false
	}
	return *f.last, true
}
