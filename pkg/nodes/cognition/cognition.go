// Package cognition implements the Cognition node: it configures the
// realtime session's persona and tool catalog, publishes conversational
// text output, validates and dispatches tool calls to message-bus side
// effects, and defensively governs response_in_progress around the
// function-call path (§4.8).
package cognition

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/lokutor-ai/robocortex/pkg/bus"
	"github.com/lokutor-ai/robocortex/pkg/logging"
	"github.com/lokutor-ai/robocortex/pkg/node"
	"github.com/lokutor-ai/robocortex/pkg/nodes"
	"github.com/lokutor-ai/robocortex/pkg/realtime"
)

const (
	HandlerVisualData = "on_visual_data"

	toolPerformAction = "perform_action"
	toolSnapPic       = "snap_pic"

	defaultFuzzyThreshold = 0.80
)

// DefaultActionCatalog is the static list of physical action names the
// perform_action tool accepts (§4.8's "small number of category/
// parameter-based tools" design: the catalog is bounded and independent
// of the physical action library's actual size).
var DefaultActionCatalog = []string{
	"wave", "nod", "shake_head", "spin", "sit", "stand",
	"dance", "point", "bow", "look_around", "shrug",
}

// PerformActionArgs is the perform_action tool's argument shape; its JSON
// schema is generated from this type via reflection.
type PerformActionArgs struct {
	Name  string  `json:"name"`
	Speed float64 `json:"speed"`
	Mood  string  `json:"mood"`
}

// RCM is the slice of *realtime.Session this node depends on.
type RCM interface {
	RegisterHandler(owner string, eventType realtime.EventType, fn realtime.Handler)
	DeregisterOwner(owner string)
	UpdateSession(ctx context.Context, cfg realtime.SessionConfig) error
	SendFunctionResult(ctx context.Context, callID string, output interface{}) error
	SetResponseInProgress(v bool)
}

// Config configures the Cognition node's persona and tool presentation.
type Config struct {
	Instructions   string
	Voice          string
	ActionCatalog  []string
	FuzzyThreshold float64
}

// Node is the Cognition node's domain logic.
type Node struct {
	name string
	b    *bus.Bus
	rt   RCM
	log  logging.Logger

	instructions   string
	voice          string
	actions        []string
	fuzzyThreshold float64

	mu           sync.Mutex
	textBuf      strings.Builder
	lastVisualID string
}

// New builds the node.Node runtime instance for the Cognition node.
func New(nodeCfg node.Config, cogCfg Config, b *bus.Bus, rt RCM, log logging.Logger) (*node.Node, map[string]bus.Handler, error) {
	if log == nil {
		log = logging.NoOp{}
	}
	actions := cogCfg.ActionCatalog
	if len(actions) == 0 {
		actions = DefaultActionCatalog
	}
	threshold := cogCfg.FuzzyThreshold
	if threshold == 0 {
		threshold = defaultFuzzyThreshold
	}

	n := &Node{
		name:           nodeCfg.Name,
		b:              b,
		rt:             rt,
		log:            log,
		instructions:   cogCfg.Instructions,
		voice:          cogCfg.Voice,
		actions:        actions,
		fuzzyThreshold: threshold,
	}

	handlers := map[string]bus.Handler{
		HandlerVisualData: n.handleVisualData,
	}
	hooks := node.Hooks{
		OnStart: n.onStart,
		OnStop:  n.onStop,
	}

	rn, err := node.New(nodeCfg, b, nil, handlers, hooks, log)
	return rn, handlers, err
}

// ToolCatalog builds the session's tool definitions. Exposing a single
// category/parameter-based perform_action tool (rather than one tool per
// physical action) keeps the session payload bounded and independent of
// the action library's size.
func (n *Node) ToolCatalog() []realtime.ToolDef {
	schema, err := jsonschema.For[PerformActionArgs](nil)
	if err != nil {
		n.log.Error("cognition: failed to derive perform_action schema", "error", err)
		schema = nil
	}
	description := fmt.Sprintf(
		"Perform a physical action. Valid name values: %s.",
		strings.Join(n.actions, ", "),
	)
	return []realtime.ToolDef{
		{Name: toolPerformAction, Description: description, Parameters: schema},
		{Name: toolSnapPic, Description: "Capture a photo from the robot's camera.", Parameters: nil},
	}
}

func (n *Node) onStart(ctx context.Context) error {
	cfg := realtime.DefaultSessionConfig()
	cfg.Instructions = n.instructions
	cfg.Voice = n.voice
	cfg.Tools = n.ToolCatalog()
	if err := n.rt.UpdateSession(ctx, cfg); err != nil {
		return fmt.Errorf("cognition: session.update: %w", err)
	}

	n.rt.RegisterHandler(n.name, realtime.EventResponseTextDelta, n.onTextDelta)
	n.rt.RegisterHandler(n.name, realtime.EventResponseTextDone, n.onTextDone)
	n.rt.RegisterHandler(n.name, realtime.EventResponseItemAdded, n.onItemAdded(ctx))
	n.rt.RegisterHandler(n.name, realtime.EventResponseDone, n.onResponseDone)
	n.rt.RegisterHandler(n.name, realtime.EventError, n.onError)
	return nil
}

func (n *Node) onStop(ctx context.Context) error {
	n.rt.DeregisterOwner(n.name)
	return nil
}

func (n *Node) onTextDelta(ev realtime.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.textBuf.WriteString(ev.Text)
}

func (n *Node) onTextDone(ev realtime.Event) {
	n.mu.Lock()
	text := n.textBuf.String()
	n.textBuf.Reset()
	n.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	resp := nodes.TextResponse{Text: text, Timestamp: time.Now()}
	if err := n.b.PublishWithConversation(n.name, nodes.TopicTextResponse, resp, ev.ItemID); err != nil {
		n.log.Warn("cognition: publish text_response failed", "error", err)
	}
}

// onItemAdded closes over the node's background context: handling a
// function_call is a network round-trip (session reply), so it is
// dispatched off the dispatch goroutine per the "handlers must be short"
// contract — the defensive response_in_progress set happens inline,
// before the goroutine is even scheduled.
func (n *Node) onItemAdded(ctx context.Context) realtime.Handler {
	return func(ev realtime.Event) {
		if ev.ItemType != "function_call" {
			return
		}
		n.rt.SetResponseInProgress(true)
		go n.handleFunctionCall(ctx, ev)
	}
}

func (n *Node) onResponseDone(ev realtime.Event) {
	n.rt.SetResponseInProgress(false)
}

func (n *Node) onError(ev realtime.Event) {
	n.rt.SetResponseInProgress(false)
}

func (n *Node) handleFunctionCall(ctx context.Context, ev realtime.Event) {
	switch ev.FunctionName {
	case toolPerformAction:
		n.handlePerformAction(ctx, ev)
	case toolSnapPic:
		n.handleSnapPic(ctx, ev)
	default:
		n.reportToolError(ctx, ev.FunctionCallID, fmt.Sprintf("unknown tool %q", ev.FunctionName))
	}
}

func (n *Node) handlePerformAction(ctx context.Context, ev realtime.Event) {
	var args PerformActionArgs
	if err := json.Unmarshal([]byte(ev.FunctionArgs), &args); err != nil {
		n.reportToolError(ctx, ev.FunctionCallID, "malformed arguments")
		return
	}

	matched, ok := n.validateActionName(args.Name)
	if !ok {
		n.reportToolError(ctx, ev.FunctionCallID,
			fmt.Sprintf("unknown action %q; nearest valid name is %q", args.Name, matched))
		return
	}

	action := nodes.RobotAction{
		Actions:   []nodes.ActionSpec{{Name: matched, Speed: args.Speed}},
		Mood:      args.Mood,
		Timestamp: time.Now(),
	}
	if err := n.b.Publish(n.name, nodes.TopicRobotAction, action); err != nil {
		n.log.Warn("cognition: publish robot_action failed", "error", err)
	}
	if err := n.rt.SendFunctionResult(ctx, ev.FunctionCallID, map[string]string{"status": "ok"}); err != nil {
		n.log.Warn("cognition: send function result failed", "error", err)
	}
}

func (n *Node) handleSnapPic(ctx context.Context, ev realtime.Event) {
	req := nodes.SnapPic{RequestID: ev.FunctionCallID, Timestamp: time.Now()}
	if err := n.b.Publish(n.name, nodes.TopicSnapPic, req); err != nil {
		n.log.Warn("cognition: publish snap_pic failed", "error", err)
	}
	if err := n.rt.SendFunctionResult(ctx, ev.FunctionCallID, map[string]string{"status": "ok"}); err != nil {
		n.log.Warn("cognition: send function result failed", "error", err)
	}
}

func (n *Node) reportToolError(ctx context.Context, callID, message string) {
	if err := n.rt.SendFunctionResult(ctx, callID, map[string]string{"error": message}); err != nil {
		n.log.Warn("cognition: send tool error result failed", "error", err)
	}
}

// validateActionName accepts an exact case-insensitive match, otherwise
// falls back to Jaro-Winkler fuzzy matching against the static catalog;
// the nearest name is always returned (for the error message) but ok is
// only true when its score clears the configured threshold.
func (n *Node) validateActionName(name string) (matched string, ok bool) {
	lower := strings.ToLower(name)
	for _, a := range n.actions {
		if strings.ToLower(a) == lower {
			return a, true
		}
	}

	best := ""
	bestScore := 0.0
	for _, a := range n.actions {
		score := matchr.JaroWinkler(lower, strings.ToLower(a), true)
		if score > bestScore {
			bestScore = score
			best = a
		}
	}
	return best, bestScore >= n.fuzzyThreshold
}

func (n *Node) handleVisualData(m bus.Message) {
	data, ok := m.Payload.(nodes.VisualData)
	if !ok {
		return
	}
	n.mu.Lock()
	n.lastVisualID = data.CaptureID
	n.mu.Unlock()
}
