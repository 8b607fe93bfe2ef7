// Package verify bounds the cost of device-identity checks under high
// message rates: a successful registry lookup is reused for a TTL window,
// and a periodic sweep reclaims entries that traffic no longer touches.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

// Outcome is the single tagged result of a verification attempt, matched
// exhaustively by the ingestion pipeline.
type Outcome int

const (
	// OutcomeVerified means the identifier maps to an active binding.
	OutcomeVerified Outcome = iota
	// OutcomeUnknownDevice means no binding exists. Never cached: the
	// device may register later and must be retried on its next message.
	OutcomeUnknownDevice
	// OutcomeInactiveDevice means a binding exists but is disabled.
	OutcomeInactiveDevice
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeUnknownDevice:
		return "unknown_device"
	case OutcomeInactiveDevice:
		return "inactive_device"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ErrRegistryUnavailable wraps infrastructure failures talking to the
// device registry, as opposed to a definitive unknown/inactive answer.
var ErrRegistryUnavailable = errors.New("device registry lookup failed")

// VerifiedConnection is a cache entry for a previously verified identifier.
// It is valid for reads only while now - VerifiedAt < TTL.
type VerifiedConnection struct {
	Identifier string
	DeviceKey  string
	DeviceID   string
	Binding    devices.DeviceBinding
	VerifiedAt time.Time
}

// CacheConfig holds the cache timing knobs.
type CacheConfig struct {
	TTL           time.Duration // validity window for entries
	SweepInterval time.Duration // how often expired entries are purged
}

// DefaultCacheConfig provides the production timings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:           5 * time.Minute,
		SweepInterval: 10 * time.Minute,
	}
}

// loraGatewayTypes are the namespaces scanned when an identifier is a
// vendor identifier: the topic grammar alone cannot tell the LoRa vendors
// apart, so both indexes are consulted.
var loraGatewayTypes = []devices.GatewayType{
	devices.GatewayVendorALora,
	devices.GatewayVendorBLora,
}

// Cache is the time-bounded identity verification cache. It is the one
// shared mutable structure on the ingestion path and is read-mostly: writes
// happen only on cache miss and during the sweep.
type Cache struct {
	registry devices.Registry
	config   CacheConfig
	logger   zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*VerifiedConnection

	now       func() time.Time
	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

// NewCache creates a verification cache backed by the given registry. Call
// Start to run the background sweep and Stop to release it.
func NewCache(registry devices.Registry, cfg CacheConfig, logger zerolog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultCacheConfig().SweepInterval
	}
	return &Cache{
		registry: registry,
		config:   cfg,
		logger:   logger.With().Str("component", "verify_cache").Logger(),
		entries:  make(map[string]*VerifiedConnection),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Verify resolves an identifier to its device binding, serving from cache
// within the TTL window. Registry errors other than not-found are returned
// with OutcomeUnknownDevice so the caller drops the message without caching
// anything.
func (c *Cache) Verify(ctx context.Context, identifier string) (*VerifiedConnection, Outcome, error) {
	if conn := c.lookup(identifier); conn != nil {
		return conn, OutcomeVerified, nil
	}

	binding, err := c.resolve(ctx, identifier)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return nil, OutcomeUnknownDevice, nil
		}
		return nil, OutcomeUnknownDevice, fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}

	if binding.Status == devices.StatusInactive {
		// Known-but-disabled is a definitive answer, but caching it would
		// delay reactivation by up to a TTL, so it stays uncached too.
		return nil, OutcomeInactiveDevice, nil
	}

	conn := &VerifiedConnection{
		Identifier: identifier,
		DeviceKey:  binding.DeviceKey,
		DeviceID:   binding.DeviceID,
		Binding:    *binding,
		VerifiedAt: c.now(),
	}

	c.mu.Lock()
	c.entries[identifier] = conn
	c.mu.Unlock()

	c.logger.Debug().Str("identifier", identifier).Str("device_key", binding.DeviceKey).Msg("Identifier verified and cached")
	return conn, OutcomeVerified, nil
}

// lookup returns a non-expired cache entry or nil. Expired entries are left
// for the sweep; they are simply treated as misses here.
func (c *Cache) lookup(identifier string) *VerifiedConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.entries[identifier]
	if !ok {
		return nil
	}
	if c.now().Sub(conn.VerifiedAt) >= c.config.TTL {
		return nil
	}
	return conn
}

func (c *Cache) resolve(ctx context.Context, identifier string) (*devices.DeviceBinding, error) {
	if devices.IsDeviceKey(identifier) {
		return c.registry.FindByDeviceKey(ctx, identifier)
	}
	for _, gt := range loraGatewayTypes {
		binding, err := c.registry.FindByVendorIdentifier(ctx, gt, identifier)
		if err == nil {
			return binding, nil
		}
		if !errors.Is(err, devices.ErrNotFound) {
			return nil, err
		}
	}
	return nil, devices.ErrNotFound
}

// Start launches the periodic sweep. It runs independently of request
// traffic so idle periods still reclaim memory.
func (c *Cache) Start() {
	c.startOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.config.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					removed := c.sweep()
					if removed > 0 {
						c.logger.Debug().Int("removed", removed).Msg("Swept expired verification entries")
					}
				case <-c.done:
					return
				}
			}
		}()
	})
}

// Stop terminates the background sweep.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// sweep removes entries older than the TTL and reports how many went.
func (c *Cache) sweep() int {
	cutoff := c.now().Add(-c.config.TTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, conn := range c.entries {
		if conn.VerifiedAt.Before(cutoff) || conn.VerifiedAt.Equal(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Size returns the number of entries currently held, expired or not.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
