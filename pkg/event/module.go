package event

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrDispatchDepth aborts a dispatch chain that keeps producing derived
// events past the configured bound. It fails that chain only, never the
// process.
var ErrDispatchDepth = errors.New("dispatch recursion depth exceeded")

// DefaultMaxDispatchDepth bounds recursive re-dispatch of derived events.
const DefaultMaxDispatchDepth = 8

// Module is a pluggable handler for events of one kind. HandleEvent may
// return derived events for further dispatch; it must treat unknown event
// types as a no-op (nil, nil) rather than an error, because the event
// vocabulary grows independently across synapses.
type Module interface {
	Kind() string
	Version() string
	HandleEvent(ctx context.Context, ev *Event) ([]*Event, error)
}

// Registry maps module kinds to handlers. Registration is idempotent per
// kind (last writer wins) and lookups are safe under concurrent dispatch.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Kind()] = m
}

func (r *Registry) Get(kind string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[kind]
	return m, ok
}

func (r *Registry) InstalledKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.modules))
	for kind := range r.modules {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Dispatcher routes events through the registry, recursively offering any
// derived events back for further dispatch up to MaxDepth.
type Dispatcher struct {
	registry *Registry
	maxDepth int
	logger   *zap.Logger
}

func NewDispatcher(registry *Registry, maxDepth int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDispatchDepth
	}
	return &Dispatcher{registry: registry, maxDepth: maxDepth, logger: logger}
}

// Dispatch offers one inbound event to its module. Events without a
// registered module are a no-op: federated peers may emit kinds this
// synapse has not installed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	return d.dispatch(ctx, ev, 0)
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *Event, depth int) error {
	if depth >= d.maxDepth {
		return fmt.Errorf("%w: %d events deep at %q", ErrDispatchDepth, depth, ev.EventType)
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	mod, ok := d.registry.Get(ev.Kind())
	if !ok {
		d.logger.Debug("no module installed for event",
			zap.String("kind", ev.Kind()),
			zap.String("event_type", ev.EventType))
		return nil
	}

	derived, err := mod.HandleEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("module %s: %w", mod.Kind(), err)
	}

	for _, next := range derived {
		if err := d.dispatch(ctx, next, depth+1); err != nil {
			return err
		}
	}
	return nil
}
