// Package node implements the Node Runtime: it loads a node's declarative
// configuration, resolves its handlers once at construction, wires its
// permissions into the message bus, and drives it through
// init -> start -> running -> stop -> dispose.
package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/robocortex/pkg/bus"
	"github.com/lokutor-ai/robocortex/pkg/logging"
)

// State is a node's lifecycle position.
type State int

const (
	StateNew State = iota
	StateInitialized
	StateRunning
	StateStopped
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// OptionType enumerates the value kinds an option may declare, so a config
// with an unenumerated key fails to load rather than being silently
// ignored.
type OptionType int

const (
	OptionString OptionType = iota
	OptionInt
	OptionFloat
	OptionBool
)

// Health is a point-in-time snapshot of a node's liveness counters.
type Health struct {
	Invocations  int64
	Errors       int64
	LastActivity time.Time
	Healthy      bool
}

// Hooks are the domain-specific callbacks a concrete node (STT, Cognition,
// TTS, ...) supplies; the runtime invokes them at the matching lifecycle
// transition. Any hook left nil is treated as a no-op.
type Hooks struct {
	// OnInit opens external resources (audio devices, an RCM handle, ...).
	// Returning an error fails Init and is counted in Health().Errors.
	OnInit func(ctx context.Context) error
	// OnStart begins whatever background work the node does once it is
	// wired into the bus.
	OnStart func(ctx context.Context) error
	// OnStop is given a context bounded by the stop deadline; it should
	// return as soon as in-flight work drains or the context is done.
	OnStop func(ctx context.Context) error
	// OnDispose releases external resources. Called at most once.
	OnDispose func() error
}

// Node is one running instance of a node's declarative configuration,
// wired into a shared Bus.
type Node struct {
	cfg     Config
	bus     *bus.Bus
	hooks   Hooks
	log     logging.Logger
	options map[string]OptionType

	mu    sync.Mutex
	state State

	invocations  int64
	errs         int64
	lastActivity int64 // unix nanos

	disposeOnce sync.Once
}

// New validates cfg against the declared option types and the supplied
// handler set, but performs no I/O — that happens in Init. allowedOptions
// enumerates every option key/type this node recognizes; handlers maps
// each config-declared handler name to the bound method it resolves to.
// An unresolved handler name fails construction immediately, per the
// runtime's "no dynamic attribute lookup in the hot path" rule.
func New(cfg Config, b *bus.Bus, allowedOptions map[string]OptionType, handlers map[string]bus.Handler, hooks Hooks, log logging.Logger) (*Node, error) {
	if log == nil {
		log = logging.NoOp{}
	}
	for key := range cfg.Options {
		if _, ok := allowedOptions[key]; !ok {
			return nil, fmt.Errorf("%w: %q (node %q)", ErrUnknownOption, key, cfg.Name)
		}
	}
	for _, sub := range cfg.Subscribes {
		if _, ok := handlers[sub.Handler]; !ok {
			return nil, fmt.Errorf("%w: %q (node %q, topic %q)", ErrUnresolvedHandler, sub.Handler, cfg.Name, sub.Topic)
		}
	}
	return &Node{
		cfg:     cfg,
		bus:     b,
		hooks:   hooks,
		log:     log,
		options: allowedOptions,
		state:   StateNew,
	}, nil
}

// Name returns the node's declared name.
func (n *Node) Name() string { return n.cfg.Name }

// State returns the current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Option returns a raw option value and whether it was set in config.
func (n *Node) Option(key string) (interface{}, bool) {
	v, ok := n.cfg.Options[key]
	return v, ok
}

// OptionString returns a string option, or def if unset.
func (n *Node) OptionString(key, def string) string {
	if v, ok := n.cfg.Options[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// OptionFloat returns a float64 option, or def if unset.
func (n *Node) OptionFloat(key string, def float64) float64 {
	if v, ok := n.cfg.Options[key]; ok {
		switch t := v.(type) {
		case float64:
			return t
		case int:
			return float64(t)
		}
	}
	return def
}

// OptionInt returns an int option, or def if unset.
func (n *Node) OptionInt(key string, def int) int {
	if v, ok := n.cfg.Options[key]; ok {
		switch t := v.(type) {
		case int:
			return t
		case float64:
			return int(t)
		}
	}
	return def
}

// OptionBool returns a bool option, or def if unset.
func (n *Node) OptionBool(key string, def bool) bool {
	if v, ok := n.cfg.Options[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Init validates the config and opens external resources via OnInit. It
// must be called before Start.
func (n *Node) Init(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateNew {
		n.mu.Unlock()
		return fmt.Errorf("%w: Init from %s", ErrWrongState, n.state)
	}
	n.mu.Unlock()

	if n.hooks.OnInit != nil {
		if err := n.hooks.OnInit(ctx); err != nil {
			n.recordError()
			return fmt.Errorf("node %q: init: %w", n.cfg.Name, err)
		}
	}

	n.mu.Lock()
	n.state = StateInitialized
	n.mu.Unlock()
	return nil
}

// Start wires the node's declared topics into the bus and begins whatever
// background work OnStart performs.
func (n *Node) Start(ctx context.Context, resolvedHandlers map[string]bus.Handler) error {
	n.mu.Lock()
	if n.state != StateInitialized && n.state != StateStopped {
		n.mu.Unlock()
		return fmt.Errorf("%w: Start from %s", ErrWrongState, n.state)
	}
	n.mu.Unlock()

	subs := make(map[string]bus.Handler, len(n.cfg.Subscribes))
	for _, s := range n.cfg.Subscribes {
		h := resolvedHandlers[s.Handler]
		subs[s.Topic] = n.wrapHandler(h)
	}
	if err := n.bus.Register(n.cfg.Name, n.cfg.PublishTopics(), subs); err != nil {
		n.recordError()
		return fmt.Errorf("node %q: register with bus: %w", n.cfg.Name, err)
	}

	if n.hooks.OnStart != nil {
		if err := n.hooks.OnStart(ctx); err != nil {
			n.recordError()
			return fmt.Errorf("node %q: start: %w", n.cfg.Name, err)
		}
	}

	n.mu.Lock()
	n.state = StateRunning
	n.mu.Unlock()
	return nil
}

// wrapHandler tracks invocation/error counters and last-activity time
// around a node's real handler, so Health() reflects live traffic.
func (n *Node) wrapHandler(h bus.Handler) bus.Handler {
	return func(m bus.Message) {
		atomic.AddInt64(&n.invocations, 1)
		atomic.StoreInt64(&n.lastActivity, time.Now().UnixNano())
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&n.errs, 1)
				n.log.Error("node: handler panicked", "node", n.cfg.Name, "topic", m.Topic, "recover", r)
			}
		}()
		h(m)
	}
}

func (n *Node) recordError() {
	atomic.AddInt64(&n.errs, 1)
}

// Stop runs OnStop with a context bounded by deadline, then unregisters from
// the bus regardless of whether OnStop finished — a slow or wedged node never
// blocks the rest of the graph. A hook that misses the deadline is detached
// and Stop reports the context's deadline error.
func (n *Node) Stop(deadline time.Duration) error {
	n.mu.Lock()
	if n.state != StateRunning {
		n.mu.Unlock()
		return fmt.Errorf("%w: Stop from %s", ErrWrongState, n.state)
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	var g errgroup.Group
	if n.hooks.OnStop != nil {
		g.Go(func() error { return n.hooks.OnStop(ctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var stopErr error
	select {
	case stopErr = <-done:
	case <-ctx.Done():
		n.log.Warn("node: stop deadline exceeded, detaching", "node", n.cfg.Name)
		stopErr = ctx.Err()
	}

	n.bus.Unregister(n.cfg.Name)

	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()

	if stopErr != nil {
		n.recordError()
		return fmt.Errorf("node %q: stop: %w", n.cfg.Name, stopErr)
	}
	return nil
}

// Dispose releases external resources. It is idempotent: a second call is
// a no-op, satisfying R2.
func (n *Node) Dispose() error {
	var err error
	n.disposeOnce.Do(func() {
		n.bus.Unregister(n.cfg.Name)
		if n.hooks.OnDispose != nil {
			err = n.hooks.OnDispose()
		}
		n.mu.Lock()
		n.state = StateDisposed
		n.mu.Unlock()
	})
	return err
}

// Health reports the node's liveness counters. Healthy is false only once
// the node has been disposed; recorded errors (failed hooks, panicking
// handlers) are counted in Errors but do not change Healthy.
func (n *Node) Health() Health {
	last := atomic.LoadInt64(&n.lastActivity)
	var lastActivity time.Time
	if last != 0 {
		lastActivity = time.Unix(0, last)
	}
	invocations := atomic.LoadInt64(&n.invocations)
	errs := atomic.LoadInt64(&n.errs)
	return Health{
		Invocations:  invocations,
		Errors:       errs,
		LastActivity: lastActivity,
		Healthy:      n.State() != StateDisposed,
	}
}
