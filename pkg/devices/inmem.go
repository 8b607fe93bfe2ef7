package devices

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryRegistry is a Registry backed by process-local maps. It serves
// tests and single-node deployments without a Firestore project.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	byKey    map[string]*DeviceBinding
	byVendor map[string]*DeviceBinding // gatewayType + "/" + vendorID
}

// NewInMemoryRegistry creates an empty in-memory registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		byKey:    make(map[string]*DeviceBinding),
		byVendor: make(map[string]*DeviceBinding),
	}
}

func vendorIndexKey(gt GatewayType, vendorID string) string {
	return string(gt) + "/" + vendorID
}

// FindByDeviceKey returns the binding for a platform device key.
func (r *InMemoryRegistry) FindByDeviceKey(_ context.Context, key string) (*DeviceBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *b
	return &clone, nil
}

// FindByVendorIdentifier returns the binding for a vendor identifier within
// its gateway-type namespace.
func (r *InMemoryRegistry) FindByVendorIdentifier(_ context.Context, gt GatewayType, vendorID string) (*DeviceBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byVendor[vendorIndexKey(gt, vendorID)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *b
	return &clone, nil
}

// CreateBinding stores a new binding. LoRaWAN-style bindings without a
// vendor identifier are rejected up front rather than failing later at
// topic-resolution time.
func (r *InMemoryRegistry) CreateBinding(_ context.Context, binding *DeviceBinding) (*DeviceBinding, error) {
	if binding.RequiresVendorID() && binding.VendorID == "" {
		return nil, ErrMissingVendorID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[binding.DeviceKey]; exists {
		return nil, ErrDuplicateKey
	}
	if binding.VendorID != "" {
		if _, exists := r.byVendor[vendorIndexKey(binding.GatewayType, binding.VendorID)]; exists {
			return nil, ErrDuplicateKey
		}
	}

	stored := *binding
	if stored.DeviceID == "" {
		stored.DeviceID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = StatusActive
	}

	r.byKey[stored.DeviceKey] = &stored
	if stored.VendorID != "" {
		r.byVendor[vendorIndexKey(stored.GatewayType, stored.VendorID)] = &stored
	}

	clone := stored
	return &clone, nil
}
