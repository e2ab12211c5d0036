package main

import (
	"log/slog"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    any
		wantErr bool
	}{
		{
			name: "Ollama",
			yaml: "port: \"9000\"\nllm:\n  provider: ollama\n  model: llama3\n  host: http://ollama:11434\n",
			want: &ollamaConfig{BaseLLMConfig: BaseLLMConfig{Provider: "ollama", Model: "llama3"}, Host: "http://ollama:11434"},
		},
		{
			name: "Anthropic",
			yaml: "llm:\n  provider: anthropic\n  model: claude\n  apiKey: key\n  maxTokens: 512\n",
			want: &anthropicConfig{BaseLLMConfig: BaseLLMConfig{Provider: "anthropic", Model: "claude"}, APIKey: "key", MaxTokens: 512},
		},
		{
			name: "OpenRouter",
			yaml: "llm:\n  provider: openrouter\n  model: mistral\n",
			want: &openRouterConfig{BaseLLMConfig: BaseLLMConfig{Provider: "openrouter", Model: "mistral"}},
		},
		{
			name:    "Missing provider",
			yaml:    "llm:\n  model: x\n",
			wantErr: true,
		},
		{
			name:    "Unknown provider",
			yaml:    "llm:\n  provider: nope\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.yaml), &cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Unmarshal() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			switch want := tt.want.(type) {
			case *ollamaConfig:
				got, ok := cfg.LLM.(*ollamaConfig)
				if !ok || *got != *want {
					t.Errorf("LLM = %#v, want %#v", cfg.LLM, want)
				}
			case *anthropicConfig:
				got, ok := cfg.LLM.(*anthropicConfig)
				if !ok || *got != *want {
					t.Errorf("LLM = %#v, want %#v", cfg.LLM, want)
				}
			case *openRouterConfig:
				got, ok := cfg.LLM.(*openRouterConfig)
				if !ok || *got != *want {
					t.Errorf("LLM = %#v, want %#v", cfg.LLM, want)
				}
			}
		})
	}
}

func TestConfigOpenAIParameters(t *testing.T) {
	src := `
port: "8081"
credentials: [a, b]
requestsPerMinute: 30
burst: 2
maxConcurrentStreams: 4
llm:
  provider: openai
  model: gpt-4o
  baseURL: http://localhost:1234/v1
  parameters:
    temperature: 0.5
    maxTokens: 256
`
	var cfg config
	if err := yaml.Unmarshal([]byte(src), &cfg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	llm, ok := cfg.LLM.(*openaiConfig)
	if !ok {
		t.Fatalf("LLM = %T, want *openaiConfig", cfg.LLM)
	}
	if llm.BaseURL != "http://localhost:1234/v1" || llm.Model != "gpt-4o" {
		t.Errorf("LLM = %+v", llm)
	}
	if llm.Parameters.Temperature == nil || *llm.Parameters.Temperature != 0.5 {
		t.Errorf("Temperature = %v, want 0.5", llm.Parameters.Temperature)
	}
	if llm.Parameters.MaxTokens == nil || *llm.Parameters.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", llm.Parameters.MaxTokens)
	}

	opts := cfg.handlerOptions()
	if len(opts.Credentials) != 2 || opts.RequestsPerMinute != 30 || opts.Burst != 2 || opts.MaxConcurrentStreams != 4 {
		t.Errorf("handlerOptions() = %+v", opts)
	}

	if _, err := llm.llm("system", slog.Default()); err != nil {
		t.Errorf("llm() error = %v", err)
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	t.Setenv("CHATTURN_TOKEN", "one, two,,")

	cfg := config{LogLevel: "debug"}
	cfg.applyDefaults("/tmp/chatturn")

	if cfg.Port != defaultPort {
		t.Errorf("Port = %q, want %q", cfg.Port, defaultPort)
	}
	if cfg.DBPath != "/tmp/chatturn/store.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if len(cfg.Credentials) != 2 || cfg.Credentials[0] != "one" || cfg.Credentials[1] != "two" {
		t.Errorf("Credentials = %q, want [one two]", cfg.Credentials)
	}
	if cfg.logLevel() != slog.LevelDebug {
		t.Errorf("logLevel() = %v, want debug", cfg.logLevel())
	}

	explicit := config{Credentials: []string{"mine"}}
	explicit.applyDefaults("/tmp/chatturn")
	if len(explicit.Credentials) != 1 || explicit.Credentials[0] != "mine" {
		t.Errorf("Credentials = %q, want [mine]", explicit.Credentials)
	}
}

func TestProviderValidation(t *testing.T) {
	if _, err := (anthropicConfig{BaseLLMConfig: BaseLLMConfig{Model: "claude"}}).llm("", slog.Default()); err == nil {
		t.Error("anthropic llm() without maxTokens error = nil, want error")
	}
	if _, err := (ollamaConfig{}).llm("", slog.Default()); err == nil {
		t.Error("ollama llm() without model error = nil, want error")
	}
	if _, err := (openRouterConfig{}).titleGen("", slog.Default()); err == nil {
		t.Error("openrouter titleGen() without model error = nil, want error")
	}
}
