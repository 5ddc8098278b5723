package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotchat/pkg/config"
)

var (
	registryMu      sync.RWMutex
	registry        = map[string]backend{}
	registrationErr error
)

// register adds a backend under its normalized name. A bad entry is
// remembered and reported by every later lookup instead of panicking in init.
func register(b backend) {
	b.name = NormalizeProviderName(b.name)
	registryMu.Lock()
	defer registryMu.Unlock()
	switch {
	case b.label == "":
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: backend %q has no label", b.name))
	case b.settings == nil:
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: backend %q has no settings accessor", b.name))
	default:
		registry[b.name] = b
	}
}

func SupportedProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeProviderName lowercases name; empty selects gemini.
func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderGemini
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderGemini
	}
	return NormalizeProviderName(cfg.Agents.Defaults.Provider)
}

// ValidateProviderConfig checks that the active provider has exactly one
// usable credential.
func ValidateProviderConfig(cfg *config.Config) error {
	b, err := activeBackend(cfg)
	if err != nil {
		return err
	}
	return b.validate(cfg)
}

// ProviderCredentialStatus reports the active provider and, when its
// credentials resolve, which source supplied them.
func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string, err error) {
	b, err := activeBackend(cfg)
	if err != nil {
		return "", false, "", err
	}
	mode, _, credErr := b.credential(cfg)
	if credErr != nil {
		return b.name, false, "", nil
	}
	return b.name, true, mode, nil
}

// CreateProvider builds the chat-completions client for the active
// provider. Its transport timeout follows generation.timeout_seconds.
func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	b, err := activeBackend(cfg)
	if err != nil {
		return nil, err
	}
	return b.build(cfg)
}

func activeBackend(cfg *config.Config) (backend, error) {
	if cfg == nil {
		return backend{}, fmt.Errorf("config is required")
	}
	name := ActiveProviderName(cfg)

	registryMu.RLock()
	regErr := registrationErr
	b, ok := registry[name]
	registryMu.RUnlock()
	if regErr != nil {
		return backend{}, fmt.Errorf("provider registration failed: %w", regErr)
	}
	if !ok {
		return backend{}, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return b, nil
}

func lookupBackend(name string) (backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[NormalizeProviderName(name)]
	return b, ok
}
