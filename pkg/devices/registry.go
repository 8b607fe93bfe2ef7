package devices

import (
	"context"
	"errors"
)

// ErrNotFound is returned by registry lookups when no binding matches.
var ErrNotFound = errors.New("device binding not found")

// ErrMissingVendorID is returned when creating a LoRaWAN-style binding
// without the vendor identifier its topic grammar needs.
var ErrMissingVendorID = errors.New("binding requires a vendor identifier for its gateway type")

// ErrDuplicateKey is returned when creating a binding whose device key or
// vendor identifier is already taken.
var ErrDuplicateKey = errors.New("device key or vendor identifier already registered")

// Registry is the external device-registry collaborator. The gateway reads
// bindings through it and, when auto-registration is enabled, creates
// minimal ones.
type Registry interface {
	FindByDeviceKey(ctx context.Context, key string) (*DeviceBinding, error)
	FindByVendorIdentifier(ctx context.Context, gatewayType GatewayType, vendorID string) (*DeviceBinding, error)
	CreateBinding(ctx context.Context, binding *DeviceBinding) (*DeviceBinding, error)
}
