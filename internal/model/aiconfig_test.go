package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModel_ProviderName(t *testing.T) {
	assert.Equal(t, ProviderOpenAI, Model{}.ProviderName())
	assert.Equal(t, ProviderAnthropic, Model{Data: ModelData{Provider: ProviderAnthropic}}.ProviderName())
}

func TestAIConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AIConfig
		wantErr string
	}{
		{
			name: "valid",
			cfg: AIConfig{
				Preferences: AIPreferences{Mode: AIModeAutomatic},
				Local:       []Model{{UID: "l1"}},
				External:    []Model{{UID: "e1"}},
			},
		},
		{name: "empty", cfg: AIConfig{}},
		{
			name:    "missing uid",
			cfg:     AIConfig{Local: []Model{{}}},
			wantErr: "without uid",
		},
		{
			name:    "duplicate across pools",
			cfg:     AIConfig{Local: []Model{{UID: "m"}}, External: []Model{{UID: "m"}}},
			wantErr: "duplicate model uid",
		},
		{
			name:    "unknown mode",
			cfg:     AIConfig{Preferences: AIPreferences{Mode: "cloud"}},
			wantErr: "unknown ai mode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadAIConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ai.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
preferences:
  mode: external
  default_external_model_id: gpt
external:
  - uid: gpt
    data:
      baseUrl: http://localhost:9999/v1
      model: gpt-4o-mini
      paginateRowsLimit: 25
      retryRequests: 2
`), 0o644))

	cfg, err := LoadAIConfig(path)
	require.NoError(t, err)
	assert.Equal(t, AIModeExternal, cfg.Preferences.Mode)
	require.Len(t, cfg.External, 1)
	assert.Equal(t, 25, cfg.External[0].Data.PaginateRowsLimit)
	assert.Equal(t, 2, cfg.External[0].Data.RetryRequests)
	assert.Equal(t, ProviderOpenAI, cfg.External[0].ProviderName())
}

func TestLoadAIConfig_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ai.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"preferences":{"mode":"local"},"local":[{"uid":"a","data":{"model":"llama"}}]}`), 0o644))

	cfg, err := LoadAIConfig(path)
	require.NoError(t, err)
	assert.Equal(t, AIModeLocal, cfg.Preferences.Mode)
	assert.Equal(t, "llama", cfg.Local[0].Data.Model)
}

func TestLoadAIConfig_Errors(t *testing.T) {
	_, err := LoadAIConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dup := filepath.Join(t.TempDir(), "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("local:\n  - uid: a\n  - uid: a\n"), 0o644))
	_, err = LoadAIConfig(dup)
	assert.ErrorContains(t, err, "duplicate")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("local: [unclosed"), 0o644))
	_, err = LoadAIConfig(bad)
	assert.Error(t, err)
}
