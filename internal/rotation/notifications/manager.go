package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/metrics"
)

const (
	// DefaultQueueSize is the maximum number of events that can be queued.
	DefaultQueueSize = 100

	// DefaultProviderTimeout bounds a single provider delivery.
	DefaultProviderTimeout = 30 * time.Second

	drainTimeout = 5 * time.Second
)

// Manager coordinates notification delivery across multiple providers.
// Publish delivers synchronously; Send queues for a background worker so
// callers never block.
type Manager struct {
	providers []NotificationProvider
	queue     chan RotationEvent
	timeout   time.Duration
	logger    *logging.Logger
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	done      chan struct{}

	droppedCount int64
	droppedMu    sync.Mutex
}

// NewManager creates a new notification manager. Zero values select the
// defaults.
func NewManager(queueSize int, providerTimeout time.Duration, logger *logging.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if providerTimeout <= 0 {
		providerTimeout = DefaultProviderTimeout
	}
	return &Manager{
		providers: make([]NotificationProvider, 0),
		queue:     make(chan RotationEvent, queueSize),
		timeout:   providerTimeout,
		logger:    logger,
	}
}

// RegisterProvider adds a notification provider to the manager.
func (m *Manager) RegisterProvider(provider NotificationProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns a copy of the registered providers.
func (m *Manager) Providers() []NotificationProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	providers := make([]NotificationProvider, len(m.providers))
	copy(providers, m.providers)
	return providers
}

// Start begins the background worker used by Send. It may be called
// again after Stop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.done = make(chan struct{})

	m.wg.Add(1)
	go m.worker(ctx, m.done)
}

// Stop shuts down the worker after draining queued events.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
}

// Send queues an event for the worker and never blocks; when the queue is
// full the event is dropped and counted. Without a running worker the
// event is published inline.
func (m *Manager) Send(ctx context.Context, event RotationEvent) {
	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		m.Publish(ctx, event)
		return
	}
	defer m.mu.RUnlock()

	select {
	case m.queue <- event:
	default:
		m.droppedMu.Lock()
		m.droppedCount++
		m.droppedMu.Unlock()
		metrics.RecordNotificationDropped()
		m.logger.Warn("Notification queue full, dropped %s event for %s:%s", event.Type, event.Scope, event.Name)
	}
}

// DroppedCount returns the number of events that were dropped due to queue overflow.
func (m *Manager) DroppedCount() int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.droppedCount
}

// Publish delivers event to every interested provider and waits for them.
// Each provider runs under its own timeout; a panic or error in one does
// not affect the others. It returns the number of failed deliveries.
func (m *Manager) Publish(ctx context.Context, event RotationEvent) int {
	m.mu.RLock()
	providers := m.providers
	m.mu.RUnlock()

	failed := 0
	for _, provider := range providers {
		if !provider.SupportsEvent(event.Type) {
			continue
		}
		if err := m.deliver(ctx, provider, event); err != nil {
			failed++
			metrics.RecordHookFailure(provider.Name())
			m.logger.Warn("Notification %s failed for %s:%s: %v", provider.Name(), event.Scope, event.Name, err)
		}
	}
	return failed
}

// deliver runs Send in its own goroutine so a provider that ignores its
// context cannot hold up the others past the timeout.
func (m *Manager) deliver(ctx context.Context, provider NotificationProvider, event RotationEvent) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- provider.Send(ctx, event)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out: %w", ctx.Err())
	}
}

func (m *Manager) worker(ctx context.Context, done <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.drainQueue()
			return
		case <-done:
			m.drainQueue()
			return
		case event := <-m.queue:
			m.Publish(ctx, event)
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		select {
		case event := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			m.Publish(ctx, event)
			cancel()
		default:
			return
		}
	}
}
