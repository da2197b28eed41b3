package broadcast

import (
	"context"
	"errors"
	"fmt"

	"coparent/config"
	"coparent/logger"
	"coparent/models"
)

var ErrClosed = errors.New("transport closed")

// Transport carries envelopes between sibling agents. Implementations are
// chosen once when the bus is built.
type Transport interface {
	Name() string
	// Start begins delivering envelopes from siblings to deliver.
	Start(deliver func(models.Envelope)) error
	Publish(env models.Envelope) error
	Close() error
}

// processHub links every bus opened with the "memory" transport in this
// process.
var processHub = NewMemoryHub()

// Open builds a bus with the transport named in cfg. "auto" prefers the
// websocket relay and falls back to the shared storage file when the
// relay cannot be reached. "memory" buses mirror to each other within
// the process only.
func Open(ctx context.Context, cfg config.BroadcastConfig) (*Bus, error) {
	t, err := openTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("broadcast_transport_selected", "transport", t.Name())
	return New(t), nil
}

func openTransport(ctx context.Context, cfg config.BroadcastConfig) (Transport, error) {
	switch cfg.Transport {
	case "websocket":
		return DialWebsocket(ctx, cfg.RelayURL)
	case "storage":
		return OpenStorage(cfg.StoragePath, cfg.StorageKeep, cfg.StoragePoll)
	case "memory":
		return processHub.Join(), nil
	case "", "auto":
		ws, err := DialWebsocket(ctx, cfg.RelayURL)
		if err == nil {
			return ws, nil
		}
		logger.Warn("broadcast_relay_unavailable", "relay_url", cfg.RelayURL, "error", err)
		return OpenStorage(cfg.StoragePath, cfg.StorageKeep, cfg.StoragePoll)
	default:
		return nil, fmt.Errorf("unknown broadcast transport %q", cfg.Transport)
	}
}
