package model

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// AIMode selects which model pool the annotation stage draws from.
type AIMode string

const (
	AIModeLocal     AIMode = "local"
	AIModeExternal  AIMode = "external"
	AIModeAutomatic AIMode = "automatic"
)

// Annotation providers understood by the annotate stage.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// AIConfig is the per-task model configuration.
type AIConfig struct {
	Preferences AIPreferences `json:"preferences" yaml:"preferences"`
	Local       []Model       `json:"local" yaml:"local"`
	External    []Model       `json:"external" yaml:"external"`
}

// AIPreferences holds the selection policy.
type AIPreferences struct {
	Mode                   AIMode `json:"mode" yaml:"mode"`
	DefaultLocalModelID    string `json:"default_local_model_id,omitempty" yaml:"default_local_model_id"`
	DefaultExternalModelID string `json:"default_external_model_id,omitempty" yaml:"default_external_model_id"`
}

// Model is one annotation endpoint.
type Model struct {
	UID  string    `json:"uid" yaml:"uid"`
	Data ModelData `json:"data" yaml:"data"`
}

// ModelData carries the endpoint settings for a Model.
type ModelData struct {
	BaseURL           string `json:"baseUrl" yaml:"baseUrl"`
	APIKey            string `json:"apiKey,omitempty" yaml:"apiKey"`
	Model             string `json:"model" yaml:"model"`
	PaginateRowsLimit int    `json:"paginateRowsLimit,omitempty" yaml:"paginateRowsLimit"`
	RetryRequests     int    `json:"retryRequests,omitempty" yaml:"retryRequests"`
	Provider          string `json:"provider,omitempty" yaml:"provider"`
}

// ProviderName returns the configured provider, defaulting to the
// OpenAI-compatible chat completions shape.
func (m Model) ProviderName() string {
	if m.Data.Provider == "" {
		return ProviderOpenAI
	}
	return m.Data.Provider
}

// Validate checks that model uids are unique across both pools.
func (c *AIConfig) Validate() error {
	seen := make(map[string]bool, len(c.Local)+len(c.External))
	for _, pool := range [][]Model{c.Local, c.External} {
		for _, m := range pool {
			if m.UID == "" {
				return eris.New("model: ai config contains a model without uid")
			}
			if seen[m.UID] {
				return eris.Errorf("model: duplicate model uid %q", m.UID)
			}
			seen[m.UID] = true
		}
	}
	switch c.Preferences.Mode {
	case "", AIModeLocal, AIModeExternal, AIModeAutomatic:
	default:
		return eris.Errorf("model: unknown ai mode %q", c.Preferences.Mode)
	}
	return nil
}

// LoadAIConfig reads an AI configuration from a YAML or JSON file.
func LoadAIConfig(path string) (*AIConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read ai config %s", path)
	}
	var cfg AIConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, eris.Wrapf(err, "model: parse ai config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
