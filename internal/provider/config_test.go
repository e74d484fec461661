package provider

import (
	"os"
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		// ── Ollama ────────────────────────────────────────────────────────────
		{
			name: "ollama/valid",
			cfg:  Config{Backend: BackendOllama, BaseURL: "http://localhost:11434", Model: "llama3"},
		},
		{
			name:    "ollama/missing model",
			cfg:     Config{Backend: BackendOllama, BaseURL: "http://localhost:11434"},
			wantErr: "OLLAMA_MODEL",
		},

		// ── OpenAI ────────────────────────────────────────────────────────────
		{
			name: "openai/valid",
			cfg:  Config{Backend: BackendOpenAI, APIKey: "sk-test", Model: "gpt-4o"},
		},
		{
			name:    "openai/missing api key",
			cfg:     Config{Backend: BackendOpenAI, Model: "gpt-4o"},
			wantErr: "OPENAI_API_KEY",
		},
		{
			name:    "openai/missing model",
			cfg:     Config{Backend: BackendOpenAI, APIKey: "sk-test"},
			wantErr: "OPENAI_MODEL",
		},

		// ── Azure ─────────────────────────────────────────────────────────────
		{
			name: "azure/valid",
			cfg: Config{
				Backend:         BackendAzure,
				APIKey:          "key",
				BaseURL:         "https://my.openai.azure.com",
				AzureDeployment: "gpt-4o",
				AzureAPIVersion: "2024-02-01",
			},
		},
		{
			name: "azure/missing api key",
			cfg: Config{
				Backend:         BackendAzure,
				BaseURL:         "https://my.openai.azure.com",
				AzureDeployment: "gpt-4o",
			},
			wantErr: "AZURE_OPENAI_API_KEY",
		},
		{
			name: "azure/missing endpoint",
			cfg: Config{
				Backend:         BackendAzure,
				APIKey:          "key",
				AzureDeployment: "gpt-4o",
			},
			wantErr: "AZURE_OPENAI_ENDPOINT",
		},
		{
			name:    "azure/missing deployment",
			cfg:     Config{Backend: BackendAzure, APIKey: "key", BaseURL: "https://my.openai.azure.com"},
			wantErr: "AZURE_OPENAI_DEPLOYMENT",
		},

		// ── Bedrock ───────────────────────────────────────────────────────────
		{
			name: "bedrock/valid",
			cfg:  Config{Backend: BackendBedrock, AWSRegion: "us-east-1", Model: "anthropic.claude-3-5-sonnet-20240620-v1:0"},
		},
		{
			name:    "bedrock/missing model id",
			cfg:     Config{Backend: BackendBedrock, AWSRegion: "us-east-1"},
			wantErr: "BEDROCK_MODEL_ID",
		},

		// ── Gemini ────────────────────────────────────────────────────────────
		{
			name: "gemini/valid",
			cfg:  Config{Backend: BackendGemini, APIKey: "key", Model: "gemini-1.5-pro"},
		},
		{
			name:    "gemini/missing api key",
			cfg:     Config{Backend: BackendGemini, Model: "gemini-1.5-pro"},
			wantErr: "GOOGLE_API_KEY",
		},

		// ── Unknown ───────────────────────────────────────────────────────────
		{
			name:    "unknown backend",
			cfg:     Config{Backend: Backend("watsonx")},
			wantErr: "unknown backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// clearProviderEnv unsets every env var ConfigFromEnv reads so tests see a
// clean slate regardless of the host environment. t.Setenv registers the
// restore; os.Unsetenv does the actual clearing.
func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MODEL_PROVIDER", "MODEL_MAX_TOKENS", "MODEL_TEMPERATURE",
		"OLLAMA_HOST", "OLLAMA_MODEL",
		"OPENAI_API_KEY", "OPENAI_MODEL",
		"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT", "AZURE_OPENAI_API_VERSION",
		"AWS_REGION", "BEDROCK_MODEL_ID",
		"GOOGLE_API_KEY", "GEMINI_MODEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	clearProviderEnv(t)

	cfg := ConfigFromEnv()
	if cfg.Backend != BackendOllama {
		t.Fatalf("Backend = %q, want %q", cfg.Backend, BackendOllama)
	}
	if cfg.BaseURL != "http://localhost:11434" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.Model != "llama3" {
		t.Fatalf("Model = %q", cfg.Model)
	}
	if cfg.MaxTokens != 4096 {
		t.Fatalf("MaxTokens = %d, want 4096", cfg.MaxTokens)
	}
	if cfg.Temperature != 0.2 {
		t.Fatalf("Temperature = %v, want 0.2", cfg.Temperature)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfigFromEnv_Azure(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("MODEL_PROVIDER", "azure")
	t.Setenv("AZURE_OPENAI_API_KEY", "key")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://my.openai.azure.com")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT", "gpt-4.1")

	cfg := ConfigFromEnv()
	if cfg.Backend != BackendAzure {
		t.Fatalf("Backend = %q, want azure", cfg.Backend)
	}
	if cfg.AzureDeployment != "gpt-4.1" {
		t.Fatalf("AzureDeployment = %q", cfg.AzureDeployment)
	}
	if cfg.AzureAPIVersion != "2024-02-01" {
		t.Fatalf("AzureAPIVersion = %q, want default 2024-02-01", cfg.AzureAPIVersion)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("azure config should validate: %v", err)
	}
}

func TestConfigFromEnv_TuningOverrides(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("MODEL_MAX_TOKENS", "1024")
	t.Setenv("MODEL_TEMPERATURE", "0.7")

	cfg := ConfigFromEnv()
	if cfg.MaxTokens != 1024 {
		t.Fatalf("MaxTokens = %d, want 1024", cfg.MaxTokens)
	}
	if cfg.Temperature != 0.7 {
		t.Fatalf("Temperature = %v, want 0.7", cfg.Temperature)
	}
}

func TestConfigFromEnv_BadTuningFallsBack(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("MODEL_MAX_TOKENS", "lots")
	t.Setenv("MODEL_TEMPERATURE", "warm")

	cfg := ConfigFromEnv()
	if cfg.MaxTokens != 4096 {
		t.Fatalf("MaxTokens = %d, want fallback 4096", cfg.MaxTokens)
	}
	if cfg.Temperature != 0.2 {
		t.Fatalf("Temperature = %v, want fallback 0.2", cfg.Temperature)
	}
}
