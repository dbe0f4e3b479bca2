package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Overlay is the optional gateway.yaml file layered over env config.
type Overlay struct {
	Heartbeat struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"heartbeat"`
	Limits struct {
		MaxChannelsPerSub int   `yaml:"max_channels_per_sub"`
		MaxMessageBytes   int64 `yaml:"max_message_bytes"`
	} `yaml:"limits"`
	ContextSave struct {
		TriggerPhrases []string `yaml:"trigger_phrases"`
	} `yaml:"context_save"`
}

// LoadOverlay reads a YAML overlay file.
func LoadOverlay(path string) (*Overlay, error) {
	if path == "" {
		return nil, nil
	}
	// #nosec G304 -- overlay path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway config %s: %w", path, err)
	}
	return ParseOverlay(data)
}

// ParseOverlay parses overlay data from YAML bytes.
func ParseOverlay(data []byte) (*Overlay, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse gateway config: %w", err)
	}
	return &o, nil
}

func (o *Overlay) apply(cfg *Config) {
	if o == nil || cfg == nil {
		return
	}
	if d, err := time.ParseDuration(strings.TrimSpace(o.Heartbeat.Interval)); err == nil && d > 0 {
		cfg.HeartbeatInterval = d
	}
	if d, err := time.ParseDuration(strings.TrimSpace(o.Heartbeat.Timeout)); err == nil && d > 0 {
		cfg.HeartbeatTimeout = d
	}
	if o.Limits.MaxChannelsPerSub > 0 {
		cfg.MaxChannelsPerSub = o.Limits.MaxChannelsPerSub
	}
	if o.Limits.MaxMessageBytes > 0 {
		cfg.MaxMessageBytes = o.Limits.MaxMessageBytes
	}
	if len(o.ContextSave.TriggerPhrases) > 0 {
		phrases := make([]string, 0, len(o.ContextSave.TriggerPhrases))
		for _, p := range o.ContextSave.TriggerPhrases {
			if p = strings.TrimSpace(p); p != "" {
				phrases = append(phrases, p)
			}
		}
		if len(phrases) > 0 {
			cfg.TriggerPhrases = phrases
		}
	}
}
