package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crankbird/crankmesh/internal/domain"
	"github.com/crankbird/crankmesh/internal/identity"
	"github.com/crankbird/crankmesh/internal/worker"
)

// meshworker is a minimal echo worker: it bootstraps an identity from
// the controller, registers its capabilities, and answers /process by
// echoing the payload back. Useful for smoke-testing a mesh.
func main() {
	serviceName := envDefault("WORKER_SERVICE_NAME", "echo-worker")
	bootstrapURL := envDefault("BOOTSTRAP_URL", "http://localhost:8080")
	meshURL := envDefault("MESH_URL", "https://localhost:8443")
	listenAddr := envDefault("WORKER_LISTEN_ADDR", ":9443")
	advertise := envDefault("WORKER_ADVERTISE_ADDR", "localhost:9443")
	token := os.Getenv("BOOTSTRAP_TOKEN")
	capabilitySpec := envDefault("WORKER_CAPABILITIES", "echo:v1")

	capabilities := make([]worker.Capability, 0, 1)
	for _, raw := range strings.Split(capabilitySpec, ",") {
		ref, err := domain.ParseCapabilityRef(strings.TrimSpace(raw))
		if err != nil {
			log.Fatalf("bad capability %q: %v", raw, err)
		}
		capabilities = append(capabilities, worker.Capability{
			Ref: ref,
			Invoker: worker.InvokerFunc(func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
				return payload, nil
			}),
		})
	}

	w := &worker.Worker{
		ServiceName:  serviceName,
		ListenAddr:   listenAddr,
		Advertise:    advertise,
		Capabilities: capabilities,
		MeshURL:      meshURL,
		Heartbeat:    10 * time.Second,
		Logger:       slog.Default(),
		Loader: &identity.Loader{
			ServiceName:    serviceName,
			BootstrapToken: token,
			Client:         &identity.HTTPClient{BaseURL: bootstrapURL},
			CacheDir:       os.Getenv("WORKER_CACHE_DIR"),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		log.Fatalf("worker exited: %v", err)
	}
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
