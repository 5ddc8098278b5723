package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/config"
)

const (
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

// Credential sources reported by ProviderCredentialStatus.
const (
	credentialFromKey  = authModeAPIKey
	credentialFromFile = "api_key_file"
	credentialFromEnv  = "env"
)

// backend is one OpenAI-compatible chat-completions endpoint. All of them
// authenticate with a bearer API key.
type backend struct {
	name         string
	label        string
	apiBase      string
	defaultModel string
	// envKey is the vendor's own key variable, read when nothing is configured.
	envKey   string
	headers  map[string]string
	settings func(cfg *config.Config) config.ProviderConfig
	hints    []errorHint
}

func init() {
	register(backend{
		name:         ProviderGemini,
		label:        "Gemini",
		apiBase:      "https://generativelanguage.googleapis.com/v1beta/openai",
		defaultModel: "gemini-2.5-flash",
		envKey:       "GEMINI_API_KEY",
		settings:     func(cfg *config.Config) config.ProviderConfig { return cfg.Providers.Gemini },
		hints: []errorHint{
			{match: []string{"api key not valid", "api_key_invalid"}, hint: "provider gemini expects a Google AI Studio key (providers.gemini.api_key or GEMINI_API_KEY)."},
			{match: []string{"resource has been exhausted", "quota"}, hint: "the Gemini project quota is exhausted; lower rate_limit.max_calls or switch providers."},
		},
	})
	register(backend{
		name:         ProviderOpenRouter,
		label:        "OpenRouter",
		apiBase:      "https://openrouter.ai/api/v1",
		defaultModel: "google/gemini-2.5-flash",
		envKey:       "OPENROUTER_API_KEY",
		headers:      map[string]string{"X-Title": "dotchat"},
		settings:     func(cfg *config.Config) config.ProviderConfig { return cfg.Providers.OpenRouter },
		hints: []errorHint{
			{match: []string{"no endpoints found"}, hint: "the model id is not served by OpenRouter; use the vendor/model form, e.g. google/gemini-2.5-flash."},
		},
	})
	register(backend{
		name:         ProviderOpenAI,
		label:        "OpenAI",
		apiBase:      "https://api.openai.com/v1",
		defaultModel: "gpt-5-mini",
		envKey:       "OPENAI_API_KEY",
		settings:     func(cfg *config.Config) config.ProviderConfig { return cfg.Providers.OpenAI },
		hints: []errorHint{
			{match: []string{"incorrect api key provided"}, hint: "provider openai expects a Platform API key."},
		},
	})
}

// credential resolves the single configured key source.
func (b backend) credential(cfg *config.Config) (mode, source string, err error) {
	settings := b.settings(cfg)
	field := "providers." + b.name

	candidates := make([]credentialCandidate, 0, 2)
	if key := strings.TrimSpace(settings.APIKey); key != "" {
		candidates = append(candidates, credentialCandidate{mode: credentialFromKey, source: key, field: field + ".api_key"})
	}
	if keyFile := strings.TrimSpace(settings.APIKeyFile); keyFile != "" {
		candidates = append(candidates, credentialCandidate{mode: credentialFromFile, source: keyFile, field: field + ".api_key_file"})
	}
	if len(candidates) == 0 && b.envKey != "" {
		if key := strings.TrimSpace(os.Getenv(b.envKey)); key != "" {
			return credentialFromEnv, key, nil
		}
	}
	return selectSingleCredential(
		candidates,
		b.missingCredentialMessage(),
		fmt.Sprintf("multiple %s credential sources configured", b.label),
	)
}

func (b backend) missingCredentialMessage() string {
	vars := "DOTCHAT_PROVIDERS_" + strings.ToUpper(b.name) + "_API_KEY"
	if b.envKey != "" {
		vars += " or " + b.envKey
	}
	return fmt.Sprintf("%s API key is required (set providers.%s.api_key, providers.%s.api_key_file, %s)", b.label, b.name, b.name, vars)
}

func (b backend) validate(cfg *config.Config) error {
	mode, source, err := b.credential(cfg)
	if err != nil {
		return err
	}
	return validateTokenFileSource(mode, source, b.label)
}

func (b backend) build(cfg *config.Config) (LLMProvider, error) {
	if err := b.validate(cfg); err != nil {
		return nil, err
	}
	mode, source, err := b.credential(cfg)
	if err != nil {
		return nil, err
	}

	var tokens TokenSource
	switch mode {
	case credentialFromFile:
		tokens = NewFileTokenSource(source)
	case credentialFromEnv:
		tokens = NewStaticTokenSource(source, b.envKey)
	default:
		tokens = NewStaticTokenSource(source, "providers."+b.name+".api_key")
	}

	settings := b.settings(cfg)
	apiBase := strings.TrimSpace(settings.APIBase)
	if apiBase == "" {
		apiBase = b.apiBase
	}
	p, err := newChatCompletionsProvider(b.name, apiBase, b.defaultModel, strings.TrimSpace(settings.Proxy), NewAPIKeyAuth(tokens), b.headers)
	if err != nil {
		return nil, err
	}
	return p.WithHTTPTimeout(cfg.GenerationTimeout()), nil
}
