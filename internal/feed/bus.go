package feed

import (
	"log/slog"
	"sync"

	"github.com/ParleSec/reqwatch/pkg/models"
)

// Listener receives captured calls emitted on a Bus
type Listener func(models.CapturedCall)

// Bus is a same-process notification channel for captured calls. Emit runs
// listeners synchronously on the caller's goroutine, in registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners []registration
	nextID    uint64
	logger    *slog.Logger
}

type registration struct {
	id uint64
	fn Listener
}

// NewBus creates a bus with no listeners
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// On registers fn and returns a function that unregisters it
func (b *Bus) On(fn Listener) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, registration{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, reg := range b.listeners {
		if reg.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Emit delivers call to every listener. A panicking listener is logged and
// does not prevent delivery to the others.
func (b *Bus) Emit(call models.CapturedCall) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, reg := range listeners {
		b.deliver(reg.fn, call)
	}
}

func (b *Bus) deliver(fn Listener, call models.CapturedCall) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("feed listener panicked", "id", call.ID, "panic", r)
		}
	}()
	fn(call)
}

// Len returns the number of registered listeners
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
