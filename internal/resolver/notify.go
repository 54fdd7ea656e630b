package resolver

import (
	"log/slog"
	"sync"
)

// Reason tags a notification with the state transition that caused it.
const (
	ReasonDiscovered         = "discovered"
	ReasonEnrichmentUpdate   = "enrichment_update"
	ReasonPairedUpdate       = "paired_update"
	ReasonAudioOutputChanged = "audio_output_changed"
	ReasonUserConnected      = "user_connected"
	ReasonUserDisconnected   = "user_disconnected"
	ReasonOperationFailed    = "operation_failed"
	ReasonUnpaired           = "unpaired"
	ReasonRemoved            = "removed"
	ReasonStale              = "stale"
)

// Notification carries a state snapshot tagged with its transition reason.
// For ReasonRemoved and ReasonStale the snapshot is the last state the
// device had before removal.
type Notification struct {
	Reason string      `json:"reason"`
	State  DeviceState `json:"state"`
}

// Handler is a subscriber callback. Handlers for the same device are called
// in causal order; a handler must hand off to its own delivery context
// before calling back into mutating resolver operations.
type Handler func(Notification)

// subscribers is the resolver's notification fan-out. Same shape as a small
// pub/sub bus: unsubscribe closures, panic recovery, synchronous dispatch.
type subscribers struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64
	logger   *slog.Logger
}

func newSubscribers(logger *slog.Logger) *subscribers {
	return &subscribers{
		handlers: make(map[uint64]Handler),
		logger:   logger,
	}
}

func (s *subscribers) add(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *subscribers) emit(n Notification) {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("notification handler panic", "reason", n.Reason, "panic", r)
				}
			}()
			h(n)
		}()
	}
}
