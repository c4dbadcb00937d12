// Package bus implements the in-process message bus: declarative per-node
// publish/subscribe permissions, bounded mailboxes, and per-publisher
// ordered delivery. It generalizes a broadcast event bus into a
// permissioned, topic-routed one: instead of every subscriber seeing every
// event, each node declares the topics it may publish and the topics (and
// handlers) it wants delivered, and the bus enforces both at call time.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/robocortex/pkg/logging"
)

// Message is a single delivery on the bus.
type Message struct {
	Topic          string
	Payload        interface{}
	Timestamp      time.Time
	ConversationID string
	Publisher      string
}

// Handler processes one delivered message. A handler that panics is
// recovered by the subscriber's worker loop; it never brings down the bus
// or other subscribers.
type Handler func(Message)

// mailbox is one subscriber's bounded, ordered inbox.
type mailbox struct {
	ch      chan Message
	done    chan struct{}
	handler Handler
	dropped uint64
	mu      sync.Mutex
}

// Bus is the shared, process-wide pub/sub broker. It must be constructed
// with New and shared by reference across every node — never copied.
type Bus struct {
	mu         sync.RWMutex
	publishes  map[string]map[string]struct{} // node -> allowed topics
	mailboxes  map[string]map[string]*mailbox // node -> topic -> mailbox
	mailboxCap int
	log        logging.Logger

	wg     sync.WaitGroup
	quit   chan struct{}
	closed bool
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithMailboxCapacity overrides the default per-subscriber mailbox size.
func WithMailboxCapacity(n int) Option {
	return func(b *Bus) { b.mailboxCap = n }
}

// WithLogger attaches a logger for permission denials, drops, and handler
// panics. Defaults to a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Bus) { b.log = l }
}

const defaultMailboxCapacity = 64

// New creates an empty bus ready for node registration.
func New(opts ...Option) *Bus {
	b := &Bus{
		publishes:  make(map[string]map[string]struct{}),
		mailboxes:  make(map[string]map[string]*mailbox),
		mailboxCap: defaultMailboxCapacity,
		log:        logging.NoOp{},
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register declares a node's publish permissions and subscriptions.
// Subscriptions take effect immediately: a worker goroutine starts
// consuming each declared topic's mailbox, invoking handler in arrival
// order. Registering the same node name twice is an error.
func (b *Bus) Register(node string, publishes []string, subscribes map[string]Handler) error {
	b.mu.Lock()
	if _, ok := b.publishes[node]; ok {
		b.mu.Unlock()
		return ErrAlreadyRegistered
	}
	allowed := make(map[string]struct{}, len(publishes))
	for _, t := range publishes {
		allowed[t] = struct{}{}
	}
	b.publishes[node] = allowed
	topicBoxes := make(map[string]*mailbox, len(subscribes))
	b.mailboxes[node] = topicBoxes
	b.mu.Unlock()

	for topic, handler := range subscribes {
		mb := &mailbox{
			ch:      make(chan Message, b.mailboxCap),
			done:    make(chan struct{}),
			handler: handler,
		}
		b.mu.Lock()
		topicBoxes[topic] = mb
		b.mu.Unlock()

		b.wg.Add(1)
		go b.runWorker(node, topic, mb)
	}
	return nil
}

// Unregister removes a node's publish permissions and stops its subscriber
// workers. It is used by the node runtime's stop/dispose lifecycle so one
// node's shutdown never touches another's mailboxes. Unregistering a node
// that was never registered is a no-op, so dispose can call it twice
// safely.
func (b *Bus) Unregister(node string) {
	b.mu.Lock()
	delete(b.publishes, node)
	topics := b.mailboxes[node]
	delete(b.mailboxes, node)
	b.mu.Unlock()

	for _, mb := range topics {
		close(mb.done)
	}
}

// runWorker is the single consumer of one subscriber's mailbox: it
// delivers messages strictly in arrival order, to completion, before
// pulling the next one.
func (b *Bus) runWorker(node, topic string, mb *mailbox) {
	defer b.wg.Done()
	for {
		select {
		case msg, ok := <-mb.ch:
			if !ok {
				return
			}
			b.invoke(node, topic, mb, msg)
		case <-mb.done:
			return
		case <-b.quit:
			return
		}
	}
}

func (b *Bus) invoke(node, topic string, mb *mailbox, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus: handler panicked", "node", node, "topic", topic, "recover", r)
		}
	}()
	mb.handler(msg)
}

// Publish delivers payload on topic to every subscriber that declared
// interest, as the given node. It fails with ErrPermissionDenied if node
// never declared topic in its publishes list, per I4 — the offending
// publish is dropped, not retried.
func (b *Bus) Publish(node, topic string, payload interface{}) error {
	return b.PublishWithConversation(node, topic, payload, "")
}

// PublishWithConversation is Publish with an explicit conversation_id
// correlation, per the topic payload shapes in §6.
func (b *Bus) PublishWithConversation(node, topic string, payload interface{}, conversationID string) error {
	b.mu.RLock()
	allowed, ok := b.publishes[node]
	if !ok {
		b.mu.RUnlock()
		return ErrNotRegistered
	}
	if _, ok := allowed[topic]; !ok {
		b.mu.RUnlock()
		b.log.Error("bus: permission denied", "node", node, "topic", topic)
		return ErrPermissionDenied
	}

	msg := Message{
		Topic:          topic,
		Payload:        payload,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Publisher:      node,
	}
	if msg.ConversationID == "" {
		msg.ConversationID = uuid.NewString()
	}

	var targets []*mailbox
	for _, topics := range b.mailboxes {
		if mb, ok := topics[topic]; ok {
			targets = append(targets, mb)
		}
	}
	b.mu.RUnlock()

	for _, mb := range targets {
		b.deliver(mb, msg)
	}
	return nil
}

// deliver enqueues msg on mb's channel, dropping the oldest queued message
// on overflow rather than blocking the publisher.
func (b *Bus) deliver(mb *mailbox, msg Message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	select {
	case mb.ch <- msg:
		return
	default:
	}
	// Mailbox full: drop the oldest message to make room, never the newest.
	select {
	case <-mb.ch:
		mb.dropped++
		b.log.Warn("bus: mailbox full, dropped oldest message", "topic", msg.Topic, "dropped_total", mb.dropped)
	default:
	}
	select {
	case mb.ch <- msg:
	default:
		// Another goroutine raced us to the freed slot; drop this one too.
		mb.dropped++
	}
}

// Publishes reports the topics a registered node may publish.
func (b *Bus) Publishes(node string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	allowed, ok := b.publishes[node]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(allowed))
	for t := range allowed {
		out = append(out, t)
	}
	return out
}

// Subscribes reports the topics a registered node is listening on.
func (b *Bus) Subscribes(node string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics, ok := b.mailboxes[node]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(topics))
	for t := range topics {
		out = append(out, t)
	}
	return out
}

// Dropped reports the overflow-drop count for one node's subscription to
// topic, for diagnostics.
func (b *Bus) Dropped(node, topic string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics, ok := b.mailboxes[node]
	if !ok {
		return 0
	}
	mb, ok := topics[topic]
	if !ok {
		return 0
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.dropped
}

// Close stops every subscriber worker. It does not drain in-flight
// messages; callers that need a bounded drain should do so at the node
// level before calling Close (see pkg/node's stop lifecycle).
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.quit)
	b.wg.Wait()
}
