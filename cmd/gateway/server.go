package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/autoregister"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/codecs"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/downlink"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/gateway"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/mqttbroker"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/pipeline"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/publish"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/registry/firestoredb"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/verify"
)

func runGateway(logger zerolog.Logger) error {
	ctx := context.Background()

	brokerCfg, err := mqttbroker.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load broker config: %w", err)
	}

	registry, closeRegistry, err := buildRegistry(ctx, logger)
	if err != nil {
		return fmt.Errorf("build device registry: %w", err)
	}
	defer closeRegistry()

	store, automation, stopPublishers, err := buildPublishers(ctx, logger)
	if err != nil {
		return fmt.Errorf("build publishers: %w", err)
	}
	defer stopPublishers()

	svc := gateway.New(gateway.Config{
		Broker:   brokerCfg,
		Pipeline: pipeline.DefaultConfig(),
		Cache:    verify.DefaultCacheConfig(),
		AutoRegistration: autoregister.Config{
			Enabled:          os.Getenv("AUTO_REGISTRATION_ENABLED") == "true",
			DefaultAccountID: os.Getenv("AUTO_REGISTRATION_ACCOUNT_ID"),
		},
	}, registry, store, automation, logger)

	if err := svc.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	httpServer := newHTTPServer(svc, logger)
	go func() {
		logger.Info().Str("address", httpServer.Addr).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during HTTP server shutdown")
	}
	svc.Stop()
	return nil
}

// buildRegistry selects Firestore when a GCP project is configured and the
// in-memory registry otherwise, so the binary runs against a bare broker in
// development.
func buildRegistry(ctx context.Context, logger zerolog.Logger) (devices.Registry, func(), error) {
	if os.Getenv("GCP_PROJECT_ID") == "" {
		logger.Warn().Msg("GCP_PROJECT_ID not set, using in-memory device registry")
		return devices.NewInMemoryRegistry(), func() {}, nil
	}
	cfg, err := firestoredb.LoadConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	reg, err := firestoredb.NewRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return reg, func() { _ = reg.Close() }, nil
}

// buildPublishers creates the persistence and automation Pub/Sub publishers
// when their topics are configured. Either may be absent.
func buildPublishers(ctx context.Context, logger zerolog.Logger) (pipeline.Store, pipeline.AutomationSink, func(), error) {
	var store *publish.EnvelopePublisher
	var automation *publish.EnvelopePublisher
	stop := func() {
		if store != nil {
			store.Stop()
		}
		if automation != nil {
			automation.Stop()
		}
	}

	if os.Getenv("PUBSUB_TOPIC_TELEMETRY") != "" {
		cfg, err := publish.LoadConfigFromEnv("PUBSUB_TOPIC_TELEMETRY")
		if err != nil {
			return nil, nil, stop, err
		}
		store, err = publish.NewEnvelopePublisher(ctx, cfg, logger)
		if err != nil {
			return nil, nil, stop, err
		}
	}
	if os.Getenv("PUBSUB_TOPIC_AUTOMATION") != "" {
		cfg, err := publish.LoadConfigFromEnv("PUBSUB_TOPIC_AUTOMATION")
		if err != nil {
			return nil, nil, stop, err
		}
		automation, err = publish.NewEnvelopePublisher(ctx, cfg, logger)
		if err != nil {
			return nil, nil, stop, err
		}
	}

	// Typed nils must not leak into the pipeline's interface fields.
	var storeIface pipeline.Store
	if store != nil {
		storeIface = store
	}
	var automationIface pipeline.AutomationSink
	if automation != nil {
		automationIface = automation
	}
	return storeIface, automationIface, stop, nil
}

func newHTTPServer(svc *gateway.Service, logger zerolog.Logger) *http.Server {
	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = ":8088"
	} else if port[0] != ':' {
		port = ":" + port
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.GetConnectionStatus())
	})
	mux.HandleFunc("/commands", func(w http.ResponseWriter, r *http.Request) {
		handleSendCommand(svc, w, r)
	})
	mux.HandleFunc("/test-telemetry", func(w http.ResponseWriter, r *http.Request) {
		handleTestTelemetry(svc, w, r)
	})
	mux.Handle("/ws", svc.Hub())

	return &http.Server{
		Addr:              port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func handleSendCommand(svc *gateway.Service, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DeviceKey string          `json:"device_key"`
		Command   devices.Command `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := svc.SendCommand(r.Context(), req.DeviceKey, req.Command)
	var unsupported *codecs.ErrUnsupportedMethod
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, downlink.ErrUnknownDevice), errors.Is(err, downlink.ErrInactiveDevice):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &unsupported):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func handleTestTelemetry(svc *gateway.Service, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DeviceKey string         `json:"device_key"`
		Values    map[string]any `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := svc.PublishTestTelemetry(r.Context(), req.DeviceKey, req.Values)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, downlink.ErrUnknownDevice):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
