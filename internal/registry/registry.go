// Package registry owns the configured set of backends and the primary
// pointer, fixed at startup.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/replicat/replicat/internal/backend"
)

// Registry holds the ordered backend handles. Immutable after startup and
// shared by all in-flight requests.
type Registry struct {
	stores  []backend.Store
	primary int
}

// New builds a registry with the store at primaryIndex as primary.
func New(stores []backend.Store, primaryIndex int) (*Registry, error) {
	if len(stores) == 0 {
		return nil, fmt.Errorf("registry requires at least one backend")
	}
	if primaryIndex < 0 || primaryIndex >= len(stores) {
		return nil, fmt.Errorf("primary index %d out of range for %d backends", primaryIndex, len(stores))
	}
	return &Registry{stores: stores, primary: primaryIndex}, nil
}

// Primary returns the primary backend handle.
func (r *Registry) Primary() backend.Store { return r.stores[r.primary] }

// PrimaryIndex returns the primary's position in declaration order.
func (r *Registry) PrimaryIndex() int { return r.primary }

// Stores returns every backend in declaration order.
func (r *Registry) Stores() []backend.Store { return r.stores }

// Secondaries returns every backend except the primary, in declaration
// order.
func (r *Registry) Secondaries() []backend.Store {
	out := make([]backend.Store, 0, len(r.stores)-1)
	for i, s := range r.stores {
		if i != r.primary {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int { return len(r.stores) }

// SelectOptions controls primary selection. ExplicitName and LatencyBased
// are mutually exclusive; with neither set the first backend wins.
type SelectOptions struct {
	ExplicitName string
	LatencyBased bool
	ProbeCount   int
	ProbeTimeout time.Duration
}

const (
	defaultProbeCount   = 10
	defaultProbeTimeout = 5 * time.Second
)

// SelectPrimary resolves the primary backend index at startup. Errors here
// are fatal to the process.
func SelectPrimary(ctx context.Context, stores []backend.Store, opts SelectOptions, logger *slog.Logger) (int, error) {
	if opts.ExplicitName != "" && opts.LatencyBased {
		return 0, fmt.Errorf("explicit primary name and latency-based selection are mutually exclusive")
	}

	if opts.ExplicitName != "" {
		for i, s := range stores {
			if s.Name() == opts.ExplicitName {
				logger.Info("primary backend selected by name", "backend", s.Name())
				return i, nil
			}
		}
		return 0, fmt.Errorf("primary backend %q not registered", opts.ExplicitName)
	}

	if opts.LatencyBased {
		return selectByLatency(ctx, stores, opts, logger)
	}

	logger.Info("primary backend defaulted to first in declaration order", "backend", stores[0].Name())
	return 0, nil
}

// selectByLatency probes every backend with repeated head_bucket calls,
// drops any backend that fails a probe, and picks the lowest P50. Ties break
// by declaration order.
func selectByLatency(ctx context.Context, stores []backend.Store, opts SelectOptions, logger *slog.Logger) (int, error) {
	probeCount := opts.ProbeCount
	if probeCount <= 0 {
		probeCount = defaultProbeCount
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	best := -1
	var bestP50 time.Duration
	for i, s := range stores {
		p50, err := probeStore(ctx, s, probeCount, probeTimeout)
		if err != nil {
			logger.Warn("backend eliminated from primary selection", "backend", s.Name(), "error", err)
			continue
		}
		logger.Info("latency probe complete", "backend", s.Name(), "p50_ms", p50.Milliseconds())
		if best < 0 || p50 < bestP50 {
			best = i
			bestP50 = p50
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("latency-based primary selection: no backend survived probing")
	}
	logger.Info("primary backend selected by latency", "backend", stores[best].Name(), "p50_ms", bestP50.Milliseconds())
	return best, nil
}

func probeStore(ctx context.Context, s backend.Store, count int, timeout time.Duration) (time.Duration, error) {
	samples := make([]time.Duration, 0, count)
	for i := 0; i < count; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := s.HeadBucket(probeCtx)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("probe %d/%d failed: %w", i+1, count, err)
		}
		samples = append(samples, time.Since(start))
	}
	sort.Slice(samples, func(a, b int) bool { return samples[a] < samples[b] })
	return samples[(len(samples)-1)/2], nil
}
