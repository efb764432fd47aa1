package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fleetkey/fleetkey/internal/logging"
	"github.com/fleetkey/fleetkey/internal/metrics"
)

const (
	// DefaultQueueSize is the maximum number of signals that can be queued.
	DefaultQueueSize = 100

	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 5 * time.Second
)

// BridgeConfig holds configuration for the HTTP bridge client.
type BridgeConfig struct {
	// Endpoint is the serving process's internal rotation-changed URL.
	Endpoint string

	// Token, when set, is sent as a bearer token. Must match the
	// serving process's internal_token.
	Token string

	// Timeout bounds each delivery attempt.
	Timeout time.Duration

	// QueueSize bounds the async signal queue.
	QueueSize int
}

// Bridge delivers rotation-changed signals to the serving process over
// a narrow internal-only control call. Delivery is best-effort and
// at-most-once per signal: a failed POST is logged and dropped, never
// retried, because the underlying state was durably written before the
// signal was sent.
type Bridge struct {
	config BridgeConfig
	client *http.Client
	logger *logging.Logger

	queue   chan Signal
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	done    chan struct{}

	droppedCount int64
	droppedMu    sync.Mutex
}

// NewBridge creates a bridge client for the given endpoint.
func NewBridge(config BridgeConfig, logger *logging.Logger) *Bridge {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	return &Bridge{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
		queue:  make(chan Signal, config.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start begins the background delivery worker. Must be called before
// announcing signals.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.worker(ctx)
}

// Stop shuts the bridge down after draining queued signals.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

// Announce queues a signal for delivery. It never blocks: when the
// queue is full or the bridge is not running the signal is dropped.
func (b *Bridge) Announce(signal Signal) {
	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	select {
	case b.queue <- signal:
	default:
		b.droppedMu.Lock()
		b.droppedCount++
		b.droppedMu.Unlock()
		metrics.RecordNotifySignal("dropped")
	}
}

// DroppedCount returns the number of signals dropped before delivery
// was attempted.
func (b *Bridge) DroppedCount() int64 {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.droppedCount
}

func (b *Bridge) worker(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			b.drainQueue()
			return
		case <-b.done:
			b.drainQueue()
			return
		case signal := <-b.queue:
			b.deliver(ctx, signal)
		}
	}
}

func (b *Bridge) drainQueue() {
	for {
		select {
		case signal := <-b.queue:
			drainCtx, cancel := context.WithTimeout(context.Background(), b.config.Timeout)
			b.deliver(drainCtx, signal)
			cancel()
		default:
			return
		}
	}
}

// deliver makes exactly one POST attempt. Failures are swallowed after
// logging; the dashboard catches up on the client's next poll or the
// next successful signal.
func (b *Bridge) deliver(ctx context.Context, signal Signal) {
	body, err := json.Marshal(signal)
	if err != nil {
		b.logger.Error("failed to encode rotation signal: %v", err)
		metrics.RecordNotifySignal("dropped")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		b.logger.Error("failed to build rotation signal request: %v", err)
		metrics.RecordNotifySignal("dropped")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if b.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("rotation signal dropped: %v", err)
		metrics.RecordNotifySignal("dropped")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Warn("rotation signal dropped: server returned %d", resp.StatusCode)
		metrics.RecordNotifySignal("dropped")
		return
	}

	b.logger.Debug("rotation signal %s delivered", signal.ID)
	metrics.RecordNotifySignal("delivered")
}
