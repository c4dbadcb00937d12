package node

import "testing"

func TestLoadConfigParsesDeclaredFields(t *testing.T) {
	yamlDoc := []byte(`
name: stt
publishes:
  - topic: voice_command
    schema: "{text, confidence, timestamp, conversation_id}"
subscribes:
  - topic: transcript.delta
    handler: onTranscriptDelta
  - topic: transcript.done
    handler: onTranscriptDone
options:
  bypass_enabled: false
`)
	cfg, err := LoadConfig(yamlDoc)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "stt" {
		t.Fatalf("expected name stt, got %q", cfg.Name)
	}
	if len(cfg.Publishes) != 1 || cfg.Publishes[0].Topic != "voice_command" {
		t.Fatalf("unexpected publishes: %+v", cfg.Publishes)
	}
	if len(cfg.Subscribes) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(cfg.Subscribes))
	}
	if v, ok := cfg.Options["bypass_enabled"]; !ok || v != false {
		t.Fatalf("expected bypass_enabled=false, got %v", cfg.Options)
	}
}

func TestLoadConfigRejectsUnknownTopLevelKey(t *testing.T) {
	yamlDoc := []byte(`
name: stt
totally_unknown_key: true
`)
	_, err := LoadConfig(yamlDoc)
	if err == nil {
		t.Fatal("expected an error for an unknown top-level key")
	}
}

func TestLoadConfigRequiresName(t *testing.T) {
	_, err := LoadConfig([]byte(`publishes: []`))
	if err == nil {
		t.Fatal("expected an error for a config with no name")
	}
}
