package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// AgentProfile tunes the realtime voice agent per deployment. The file is
// optional; zero values defer to AIConfig and the session defaults.
type AgentProfile struct {
	Voice        string    `yaml:"voice"`
	Instructions string    `yaml:"instructions"`
	Temperature  float64   `yaml:"temperature"`
	VAD          VADConfig `yaml:"vad"`
}

// VADConfig holds server-side voice activity detection tuning.
type VADConfig struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// DefaultVAD is the detection tuning used when no profile overrides it.
var DefaultVAD = VADConfig{
	Threshold:         0.5,
	PrefixPaddingMs:   300,
	SilenceDurationMs: 500,
}

// LoadAgentProfile reads an agent profile from a YAML file.
func LoadAgentProfile(path string) (*AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read agent profile %s", path)
	}

	// The YAML has a top-level "agent" key
	var wrapper struct {
		Agent AgentProfile `yaml:"agent"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "config: parse agent profile")
	}

	p := &wrapper.Agent
	if p.VAD.Threshold == 0 {
		p.VAD.Threshold = DefaultVAD.Threshold
	}
	if p.VAD.PrefixPaddingMs == 0 {
		p.VAD.PrefixPaddingMs = DefaultVAD.PrefixPaddingMs
	}
	if p.VAD.SilenceDurationMs == 0 {
		p.VAD.SilenceDurationMs = DefaultVAD.SilenceDurationMs
	}

	return p, nil
}
