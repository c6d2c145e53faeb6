// Package tier groups sandboxes by how fast they start. Every tier has its
// own sandbox provisioner and the discovery timing that suits it.
package tier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
)

// Tier names a class of sandboxes
type Tier string

const (
	// Standard sandboxes come from a warm image and start quickly
	Standard Tier = "standard"
	// Cold sandboxes may need image layers pulled or caches filled first
	Cold Tier = "cold"
)

// Provisioner is the sandbox lifecycle a tier needs
type Provisioner interface {
	sandbox.Provisioner
	EnsureImage(ctx context.Context) error
}

// Pool is one tier's provisioner and discovery timing
type Pool struct {
	Tier        Tier
	Provisioner Provisioner
	Discovery   runtime.DiscoveryConfig
}

// Manager routes sessions to tiers
type Manager struct {
	pools map[Tier]*Pool
	mu    sync.RWMutex
}

// NewManager creates a manager. A standard pool is required.
func NewManager(pools ...Pool) (*Manager, error) {
	m := &Manager{pools: make(map[Tier]*Pool)}
	for _, p := range pools {
		if p.Provisioner == nil {
			return nil, fmt.Errorf("tier %s has no provisioner", p.Tier)
		}
		p.Discovery = p.Discovery.WithDefaults()
		pool := p
		m.pools[p.Tier] = &pool
	}
	if _, ok := m.pools[Standard]; !ok {
		return nil, errors.New("standard tier is required")
	}
	return m, nil
}

// Profiles returns the standard and cold discovery timings. Cold stretches
// the standard waits by coldMultiplier.
func Profiles(standard runtime.DiscoveryConfig, coldMultiplier float64) map[Tier]runtime.DiscoveryConfig {
	standard = standard.WithDefaults()
	return map[Tier]runtime.DiscoveryConfig{
		Standard: standard,
		Cold:     standard.Scale(coldMultiplier),
	}
}

// Route returns the requested tier when it exists, otherwise Standard
func (m *Manager) Route(requested string) Tier {
	t := Tier(requested)

	m.mu.RLock()
	_, exists := m.pools[t]
	m.mu.RUnlock()

	if exists {
		return t
	}
	return Standard
}

// Get returns the pool of a tier
func (m *Manager) Get(t Tier) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, exists := m.pools[t]
	if !exists {
		return nil, fmt.Errorf("unsupported tier: %s", t)
	}
	return pool, nil
}

// Discovery returns the discovery timing of a tier
func (m *Manager) Discovery(t Tier) runtime.DiscoveryConfig {
	pool, err := m.Get(m.Route(string(t)))
	if err != nil {
		return runtime.DefaultDiscovery()
	}
	return pool.Discovery
}

// Provision creates a sandbox in a tier
func (m *Manager) Provision(ctx context.Context, t Tier, sessionID string) (sandbox.Sandbox, error) {
	pool, err := m.Get(t)
	if err != nil {
		return nil, err
	}
	return pool.Provisioner.Provision(ctx, sessionID)
}

// Release removes a sandbox from a tier
func (m *Manager) Release(ctx context.Context, t Tier, id string) error {
	pool, err := m.Get(t)
	if err != nil {
		return err
	}
	return pool.Provisioner.Release(ctx, id)
}

// Resolve finds a sandbox in whichever tier holds it, so the manager can act
// as the sandbox.Resolver of the browser providers
func (m *Manager) Resolve(ctx context.Context, id string) (sandbox.Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	for _, t := range m.sortedTiers() {
		sb, err := m.pools[t].Provisioner.Get(ctx, id)
		if err == nil {
			return sb, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("sandbox %s: %w", id, sandbox.ErrNotFound)
	}
	return nil, lastErr
}

// Resolver adapts the manager to sandbox.Resolver
func (m *Manager) Resolver() sandbox.Resolver {
	return resolverFunc(m.Resolve)
}

// EnsureImages makes sure every tier's image is present, pulling them in
// parallel
func (m *Manager) EnsureImages(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for t, pool := range m.pools {
		g.Go(func() error {
			if err := pool.Provisioner.EnsureImage(ctx); err != nil {
				return fmt.Errorf("failed to ensure image in %s: %w", t, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Tiers returns all available tiers
func (m *Manager) Tiers() []Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedTiers()
}

func (m *Manager) sortedTiers() []Tier {
	tiers := make([]Tier, 0, len(m.pools))
	for t := range m.pools {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] > tiers[j] })
	return tiers
}

type resolverFunc func(ctx context.Context, id string) (sandbox.Sandbox, error)

func (f resolverFunc) Get(ctx context.Context, id string) (sandbox.Sandbox, error) {
	return f(ctx, id)
}
