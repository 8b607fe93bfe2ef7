// Package firestoredb implements the device registry collaborator on Google
// Cloud Firestore, one document per binding keyed by device key.
package firestoredb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

// Config holds the Firestore registry settings.
type Config struct {
	ProjectID       string
	CollectionName  string
	CredentialsFile string
}

// LoadConfigFromEnv loads the Firestore registry configuration.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		ProjectID:       os.Getenv("GCP_PROJECT_ID"),
		CollectionName:  os.Getenv("FIRESTORE_COLLECTION_DEVICES"),
		CredentialsFile: os.Getenv("GCP_FIRESTORE_CREDENTIALS_FILE"),
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("GCP_PROJECT_ID environment variable not set for Firestore")
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = "devices"
	}
	return cfg, nil
}

// Registry is a devices.Registry backed by Firestore.
type Registry struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewRegistry creates a Firestore-backed registry. The client library
// detects FIRESTORE_EMULATOR_HOST automatically.
func NewRegistry(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Registry, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}

	log := logger.With().Str("component", "firestore_registry").Logger()
	log.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("Firestore device registry initialized")
	return &Registry{client: client, collection: cfg.CollectionName, logger: log}, nil
}

// FindByDeviceKey loads the binding document whose id is the device key.
func (r *Registry) FindByDeviceKey(ctx context.Context, key string) (*devices.DeviceBinding, error) {
	snap, err := r.client.Collection(r.collection).Doc(key).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, devices.ErrNotFound
		}
		return nil, fmt.Errorf("firestore Get for %s: %w", key, err)
	}
	var binding devices.DeviceBinding
	if err := snap.DataTo(&binding); err != nil {
		return nil, fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}
	return &binding, nil
}

// FindByVendorIdentifier queries the vendor-identifier index within one
// gateway-type namespace.
func (r *Registry) FindByVendorIdentifier(ctx context.Context, gt devices.GatewayType, vendorID string) (*devices.DeviceBinding, error) {
	iter := r.client.Collection(r.collection).
		Where("vendorId", "==", vendorID).
		Where("gatewayType", "==", string(gt)).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, devices.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("firestore vendor index query for %s: %w", vendorID, err)
	}
	var binding devices.DeviceBinding
	if err := snap.DataTo(&binding); err != nil {
		return nil, fmt.Errorf("firestore DataTo for vendor %s: %w", vendorID, err)
	}
	return &binding, nil
}

// CreateBinding writes a new binding document. LoRaWAN-style bindings
// without a vendor identifier are rejected here, at creation time, so no
// later code path has to tolerate the gap.
func (r *Registry) CreateBinding(ctx context.Context, binding *devices.DeviceBinding) (*devices.DeviceBinding, error) {
	if binding.RequiresVendorID() && binding.VendorID == "" {
		return nil, devices.ErrMissingVendorID
	}

	stored := *binding
	if stored.DeviceID == "" {
		stored.DeviceID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = devices.StatusActive
	}

	_, err := r.client.Collection(r.collection).Doc(stored.DeviceKey).Create(ctx, &stored)
	if err != nil {
		if strings.Contains(err.Error(), "AlreadyExists") || strings.Contains(err.Error(), "already exists") {
			return nil, devices.ErrDuplicateKey
		}
		return nil, fmt.Errorf("firestore Create for %s: %w", stored.DeviceKey, err)
	}

	r.logger.Info().Str("device_key", stored.DeviceKey).Str("gateway_type", string(stored.GatewayType)).Msg("Device binding created")
	return &stored, nil
}

// Close releases the Firestore client.
func (r *Registry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "not found")
}
