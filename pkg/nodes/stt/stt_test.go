package stt

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/robocortex/pkg/bus"
	"github.com/lokutor-ai/robocortex/pkg/mutex"
	"github.com/lokutor-ai/robocortex/pkg/node"
	"github.com/lokutor-ai/robocortex/pkg/nodes"
	"github.com/lokutor-ai/robocortex/pkg/realtime"
)

type fakeRCM struct {
	registered map[realtime.EventType]realtime.Handler
}

func newFakeRCM() *fakeRCM {
	return &fakeRCM{registered: make(map[realtime.EventType]realtime.Handler)}
}

func (f *fakeRCM) RegisterHandler(owner string, eventType realtime.EventType, fn realtime.Handler) {
	f.registered[eventType] = fn
}
func (f *fakeRCM) DeregisterOwner(owner string) {
	f.registered = make(map[realtime.EventType]realtime.Handler)
}

func testConfig() node.Config {
	return node.Config{
		Name:      "stt",
		Publishes: []node.TopicSchema{{Topic: nodes.TopicVoiceCommand}},
		Subscribes: []node.Subscription{
			{Topic: nodes.TopicSpeakingStatus, Handler: HandlerSpeakingStatus},
			{Topic: nodes.TopicNavigationStatus, Handler: HandlerNavigationStatus},
		},
	}
}

func TestTranscriptDonePublishesVoiceCommand(t *testing.T) {
	b := bus.New()
	defer b.Close()
	rt := newFakeRCM()
	mm := mutex.New(func(string) {})

	n, handlers, err := New(testConfig(), b, rt, mm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := n.Start(context.Background(), handlers); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(time.Second)

	received := make(chan nodes.VoiceCommand, 1)
	if err := b.Register("probe", nil, map[string]bus.Handler{
		nodes.TopicVoiceCommand: func(m bus.Message) { received <- m.Payload.(nodes.VoiceCommand) },
	}); err != nil {
		t.Fatalf("register probe: %v", err)
	}

	delta := rt.registered[realtime.EventTranscriptDelta]
	done := rt.registered[realtime.EventTranscriptDone]
	if delta == nil || done == nil {
		t.Fatal("expected transcript delta/done handlers registered on start")
	}

	delta(realtime.Event{Type: realtime.EventTranscriptDelta, Text: "hel"})
	delta(realtime.Event{Type: realtime.EventTranscriptDelta, Text: "lo"})
	done(realtime.Event{Type: realtime.EventTranscriptDone, ItemID: "item-1"})

	select {
	case cmd := <-received:
		if cmd.Text != "hello" {
			t.Fatalf("expected accumulated text %q, got %q", "hello", cmd.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for voice_command")
	}
}

func TestEmptyTranscriptNotPublished(t *testing.T) {
	b := bus.New()
	defer b.Close()
	rt := newFakeRCM()
	mm := mutex.New(func(string) {})

	n, handlers, err := New(testConfig(), b, rt, mm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := n.Start(context.Background(), handlers); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(time.Second)

	received := make(chan struct{}, 1)
	if err := b.Register("probe", nil, map[string]bus.Handler{
		nodes.TopicVoiceCommand: func(m bus.Message) { received <- struct{}{} },
	}); err != nil {
		t.Fatalf("register probe: %v", err)
	}

	rt.registered[realtime.EventTranscriptDone](realtime.Event{Type: realtime.EventTranscriptDone})

	select {
	case <-received:
		t.Fatal("expected no voice_command for an empty transcript")
	case <-time.After(150 * time.Millisecond):
	}
}

func bypassTestConfig() node.Config {
	cfg := testConfig()
	cfg.Publishes = append(cfg.Publishes, node.TopicSchema{Topic: nodes.TopicRobotAction})
	cfg.Options = map[string]interface{}{OptionBypassEnabled: true}
	return cfg
}

func TestDirectCommandBypassPublishesRobotActionInsteadOfVoiceCommand(t *testing.T) {
	b := bus.New()
	defer b.Close()
	rt := newFakeRCM()
	mm := mutex.New(func(string) {})

	n, handlers, err := New(bypassTestConfig(), b, rt, mm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := n.Start(context.Background(), handlers); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(time.Second)

	actions := make(chan nodes.RobotAction, 1)
	voiceCommands := make(chan nodes.VoiceCommand, 1)
	if err := b.Register("probe", nil, map[string]bus.Handler{
		nodes.TopicRobotAction:  func(m bus.Message) { actions <- m.Payload.(nodes.RobotAction) },
		nodes.TopicVoiceCommand: func(m bus.Message) { voiceCommands <- m.Payload.(nodes.VoiceCommand) },
	}); err != nil {
		t.Fatalf("register probe: %v", err)
	}

	rt.registered[realtime.EventTranscriptDelta](realtime.Event{Type: realtime.EventTranscriptDelta, Text: "Stop"})
	rt.registered[realtime.EventTranscriptDone](realtime.Event{Type: realtime.EventTranscriptDone, ItemID: "item-1"})

	select {
	case ra := <-actions:
		if len(ra.Actions) != 1 || ra.Actions[0].Name != "stop" {
			t.Fatalf("unexpected bypass action: %+v", ra)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bypass robot_action")
	}

	select {
	case cmd := <-voiceCommands:
		t.Fatalf("expected bypass to suppress voice_command, got %+v", cmd)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDirectCommandBypassDisabledByDefault(t *testing.T) {
	b := bus.New()
	defer b.Close()
	rt := newFakeRCM()
	mm := mutex.New(func(string) {})

	n, handlers, err := New(testConfig(), b, rt, mm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := n.Start(context.Background(), handlers); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(time.Second)

	received := make(chan nodes.VoiceCommand, 1)
	if err := b.Register("probe", nil, map[string]bus.Handler{
		nodes.TopicVoiceCommand: func(m bus.Message) { received <- m.Payload.(nodes.VoiceCommand) },
	}); err != nil {
		t.Fatalf("register probe: %v", err)
	}

	rt.registered[realtime.EventTranscriptDelta](realtime.Event{Type: realtime.EventTranscriptDelta, Text: "Stop"})
	rt.registered[realtime.EventTranscriptDone](realtime.Event{Type: realtime.EventTranscriptDone, ItemID: "item-1"})

	select {
	case cmd := <-received:
		if cmd.Text != "Stop" {
			t.Fatalf("expected normal voice_command %q, got %q", "Stop", cmd.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("expected bypass phrase to publish a normal voice_command when the option is unset")
	}
}

func TestSpeakingAndNavigationStatusDriveMutexSymmetrically(t *testing.T) {
	b := bus.New()
	defer b.Close()
	rt := newFakeRCM()
	mm := mutex.New(func(string) {})

	n, handlers, err := New(testConfig(), b, rt, mm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := n.Start(context.Background(), handlers); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(time.Second)

	publish := func(topic string, payload interface{}) {
		if err := b.Publish("probe", topic, payload); err != nil {
			t.Fatalf("publish %s: %v", topic, err)
		}
	}
	if err := b.Register("probe", []string{nodes.TopicSpeakingStatus, nodes.TopicNavigationStatus}, nil); err != nil {
		t.Fatalf("register probe: %v", err)
	}

	publish(nodes.TopicSpeakingStatus, nodes.SpeakingStatus{Speaking: true})
	publish(nodes.TopicNavigationStatus, nodes.NavigationStatus{Status: "executing"})

	deadline := time.Now().Add(time.Second)
	for mm.Count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mm.Count() != 2 {
		t.Fatalf("expected both speaking and navigation labels held, count=%d", mm.Count())
	}

	publish(nodes.TopicSpeakingStatus, nodes.SpeakingStatus{Speaking: false})
	publish(nodes.TopicNavigationStatus, nodes.NavigationStatus{Status: "completed"})

	deadline = time.Now().Add(time.Second)
	for mm.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mm.Count() != 0 {
		t.Fatalf("expected both labels released, count=%d", mm.Count())
	}
}
