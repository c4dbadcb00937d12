// Package stt implements the STT node: it observes realtime transcript
// events and publishes a finalized voice_command on the message bus, and
// coordinates the microphone mutex with the speaking/navigation status
// topics (§4.7).
package stt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/robocortex/pkg/bus"
	"github.com/lokutor-ai/robocortex/pkg/logging"
	"github.com/lokutor-ai/robocortex/pkg/mutex"
	"github.com/lokutor-ai/robocortex/pkg/node"
	"github.com/lokutor-ai/robocortex/pkg/nodes"
	"github.com/lokutor-ai/robocortex/pkg/realtime"
)

const (
	speakingLabel   = "speaking"
	navigationLabel = "navigation"

	HandlerSpeakingStatus   = "on_speaking_status"
	HandlerNavigationStatus = "on_navigation_status"

	// OptionBypassEnabled gates the direct-command bypass pre-handler
	// stage. Off by default: a node config that never sets it behaves
	// exactly as before.
	OptionBypassEnabled = "bypass_enabled"
)

// bypassPhrases is the static table of transcript phrases the bypass
// stage matches against, each mapped to the single robot action it
// shortcuts to. Matching is case-insensitive and exact after
// whitespace-trimming — no fuzzy matching, since an unintended bypass
// match skips cognition's tool-call validation entirely.
var bypassPhrases = map[string]nodes.ActionSpec{
	"stop":       {Name: "stop", Speed: 0},
	"wait there": {Name: "wait", Speed: 0},
}

// RCM is the slice of *realtime.Session this node depends on.
type RCM interface {
	RegisterHandler(owner string, eventType realtime.EventType, fn realtime.Handler)
	DeregisterOwner(owner string)
}

// Node is the STT node's domain logic, wrapped by a *node.Node runtime
// instance for lifecycle/bus wiring.
type Node struct {
	name string
	b    *bus.Bus
	rt   RCM
	mm   *mutex.Mic
	log  logging.Logger

	mu         sync.Mutex
	transcript strings.Builder

	speakingHeld   bool
	navigationHeld bool

	bypassEnabled bool
}

// New builds the node.Node runtime instance for the STT node, wiring its
// bus subscription handlers and RCM event registration. The returned
// handlers map must be passed to both node.New (already done here) and
// every subsequent node.Start/restart — the runtime resolves handler
// names against this same map each time (§9).
func New(cfg node.Config, b *bus.Bus, rt RCM, mm *mutex.Mic, log logging.Logger) (*node.Node, map[string]bus.Handler, error) {
	if log == nil {
		log = logging.NoOp{}
	}
	bypassEnabled, _ := cfg.Options[OptionBypassEnabled].(bool)
	n := &Node{name: cfg.Name, b: b, rt: rt, mm: mm, log: log, bypassEnabled: bypassEnabled}

	handlers := map[string]bus.Handler{
		HandlerSpeakingStatus:   n.handleSpeakingStatus,
		HandlerNavigationStatus: n.handleNavigationStatus,
	}

	hooks := node.Hooks{
		OnStart: n.onStart,
		OnStop:  n.onStop,
	}

	allowedOptions := map[string]node.OptionType{
		OptionBypassEnabled: node.OptionBool,
	}

	rn, err := node.New(cfg, b, allowedOptions, handlers, hooks, log)
	return rn, handlers, err
}

func (n *Node) onStart(ctx context.Context) error {
	n.rt.RegisterHandler(n.name, realtime.EventTranscriptDelta, n.onTranscriptDelta)
	n.rt.RegisterHandler(n.name, realtime.EventTranscriptDone, n.onTranscriptDone)
	return nil
}

func (n *Node) onStop(ctx context.Context) error {
	n.rt.DeregisterOwner(n.name)
	return nil
}

func (n *Node) onTranscriptDelta(ev realtime.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transcript.WriteString(ev.Text)
}

func (n *Node) onTranscriptDone(ev realtime.Event) {
	n.mu.Lock()
	text := n.transcript.String()
	n.transcript.Reset()
	n.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if n.bypassEnabled && n.tryDirectCommandBypass(text, ev.ItemID) {
		return
	}

	cmd := nodes.VoiceCommand{
		Text:      text,
		Timestamp: time.Now(),
	}
	if err := n.b.PublishWithConversation(n.name, nodes.TopicVoiceCommand, cmd, ev.ItemID); err != nil {
		n.log.Warn("stt: publish voice_command failed", "error", err)
	}
}

// tryDirectCommandBypass matches text against the static phrase table and,
// on a hit, publishes robot_action directly instead of voice_command —
// shortcutting cognition entirely for a small set of urgent phrases (e.g.
// "stop"). It reports whether it handled the transcript.
func (n *Node) tryDirectCommandBypass(text, conversationID string) bool {
	action, ok := bypassPhrases[strings.ToLower(text)]
	if !ok {
		return false
	}
	ra := nodes.RobotAction{
		Actions:   []nodes.ActionSpec{action},
		Priority:  "high",
		Timestamp: time.Now(),
	}
	if err := n.b.PublishWithConversation(n.name, nodes.TopicRobotAction, ra, conversationID); err != nil {
		n.log.Warn("stt: publish bypass robot_action failed", "error", err)
	}
	return true
}

// handleSpeakingStatus acquires/releases the "speaking" label symmetrically
// with the published speaking_status topic.
func (n *Node) handleSpeakingStatus(m bus.Message) {
	status, ok := m.Payload.(nodes.SpeakingStatus)
	if !ok {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if status.Speaking && !n.speakingHeld {
		n.mm.Acquire(speakingLabel)
		n.speakingHeld = true
	} else if !status.Speaking && n.speakingHeld {
		n.mm.Release(speakingLabel)
		n.speakingHeld = false
	}
}

// handleNavigationStatus acquires/releases the "navigation" label
// symmetrically with the published navigation_status topic.
func (n *Node) handleNavigationStatus(m bus.Message) {
	status, ok := m.Payload.(nodes.NavigationStatus)
	if !ok {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	executing := status.Status == "executing"
	if executing && !n.navigationHeld {
		n.mm.Acquire(navigationLabel)
		n.navigationHeld = true
	} else if !executing && n.navigationHeld {
		n.mm.Release(navigationLabel)
		n.navigationHeld = false
	}
}
