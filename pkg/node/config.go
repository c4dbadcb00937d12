package node

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TopicSchema names one topic a node publishes, with an opaque schema
// description (documentation only — payload shapes are enforced by each
// topic's own Go type, not parsed from this string).
type TopicSchema struct {
	Topic  string `yaml:"topic"`
	Schema string `yaml:"schema,omitempty"`
}

// Subscription names one topic a node consumes and the handler method name
// bound to it. Handler names are resolved against a HandlerSet at
// construction time (§9: "no runtime attribute lookups in the hot path").
type Subscription struct {
	Topic   string `yaml:"topic"`
	Handler string `yaml:"handler"`
}

// Config is a node's declarative configuration, as loaded from YAML.
type Config struct {
	Name       string                 `yaml:"name"`
	Publishes  []TopicSchema          `yaml:"publishes"`
	Subscribes []Subscription         `yaml:"subscribes"`
	Options    map[string]interface{} `yaml:"options"`
}

// LoadConfig parses a node's YAML configuration. Unknown top-level keys
// fail the load, matching the config schema in §4.3: "Unknown keys fail
// load."
func LoadConfig(data []byte) (Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("node: decode config: %w", err)
	}
	if cfg.Name == "" {
		return Config{}, fmt.Errorf("node: config missing name")
	}
	return cfg, nil
}

// PublishTopics returns the bare topic names a config declares, in the
// shape bus.Register expects.
func (c Config) PublishTopics() []string {
	topics := make([]string, len(c.Publishes))
	for i, p := range c.Publishes {
		topics[i] = p.Topic
	}
	return topics
}
