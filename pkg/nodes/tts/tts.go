// Package tts implements the TTS node: it translates realtime audio
// events into Audio Playback Manager calls with no logic of its own
// beyond that translation (§4.6, §4.9).
package tts

import (
	"context"

	"github.com/lokutor-ai/robocortex/pkg/bus"
	"github.com/lokutor-ai/robocortex/pkg/logging"
	"github.com/lokutor-ai/robocortex/pkg/node"
	"github.com/lokutor-ai/robocortex/pkg/realtime"
)

// RCM is the slice of *realtime.Session this node depends on.
type RCM interface {
	RegisterHandler(owner string, eventType realtime.EventType, fn realtime.Handler)
	DeregisterOwner(owner string)
	MarkPlaybackStarted()
}

// APM is the slice of *playback.Manager this node depends on, narrowed so
// this package can be tested against a fake without depending on
// pkg/playback's concrete types.
type APM interface {
	OnItemAdded(itemID string)
	OnAudioDelta(itemID, audioBase64 string) error
	OnAudioDone(itemID string)
	OnResponseDone(ctx context.Context) error
	OnError(ctx context.Context)
}

// Node is the TTS node's domain logic.
type Node struct {
	name string
	rt   RCM
	apm  APM
	log  logging.Logger
}

// New builds the node.Node runtime instance for the TTS node. It
// publishes and subscribes to nothing on the message bus — it is a pure
// RCM-to-APM adapter — so its handlers map is always empty, but it is
// still returned for symmetry with the other node constructors and in
// case a future revision adds bus wiring.
func New(cfg node.Config, b *bus.Bus, rt RCM, apm APM, log logging.Logger) (*node.Node, map[string]bus.Handler, error) {
	if log == nil {
		log = logging.NoOp{}
	}
	n := &Node{name: cfg.Name, rt: rt, apm: apm, log: log}

	handlers := map[string]bus.Handler{}
	hooks := node.Hooks{
		OnStart: n.onStart,
		OnStop:  n.onStop,
	}

	rn, err := node.New(cfg, b, nil, handlers, hooks, log)
	return rn, handlers, err
}

func (n *Node) onStart(ctx context.Context) error {
	n.rt.RegisterHandler(n.name, realtime.EventResponseItemAdded, n.onItemAdded)
	n.rt.RegisterHandler(n.name, realtime.EventResponseAudioDelta, n.onAudioDelta)
	n.rt.RegisterHandler(n.name, realtime.EventResponseAudioDone, n.onAudioDone)
	n.rt.RegisterHandler(n.name, realtime.EventResponseDone, n.onResponseDone(ctx))
	n.rt.RegisterHandler(n.name, realtime.EventError, n.onError(ctx))
	n.rt.RegisterHandler(n.name, realtime.EventConnectionClosed, n.onError(ctx))
	return nil
}

func (n *Node) onStop(ctx context.Context) error {
	n.rt.DeregisterOwner(n.name)
	return nil
}

// onItemAdded forwards every item, including "message" items — the APM
// uses the first item of a response to acquire the mutex regardless of
// item type, and ignores items it has no audio for.
func (n *Node) onItemAdded(ev realtime.Event) {
	n.apm.OnItemAdded(ev.ItemID)
}

func (n *Node) onAudioDelta(ev realtime.Event) {
	if err := n.apm.OnAudioDelta(ev.ItemID, ev.AudioBase64); err != nil {
		n.log.Warn("tts: audio delta failed", "error", err)
	}
}

func (n *Node) onAudioDone(ev realtime.Event) {
	n.apm.OnAudioDone(ev.ItemID)
}

func (n *Node) onResponseDone(ctx context.Context) realtime.Handler {
	return func(ev realtime.Event) {
		n.rt.MarkPlaybackStarted()
		if err := n.apm.OnResponseDone(ctx); err != nil {
			n.log.Warn("tts: response.done playback failed", "error", err)
		}
	}
}

func (n *Node) onError(ctx context.Context) realtime.Handler {
	return func(ev realtime.Event) {
		n.apm.OnError(ctx)
	}
}
