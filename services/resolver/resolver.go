// Package resolver maps requested model names to names a specific
// backend can serve. Resolution is deterministic: it depends only on
// the backend configuration and the backend's model catalog, never on
// live backend state.
package resolver

import (
	"go.uber.org/zap"

	"github.com/NickPittas/NukeAiPanel/services/providers"
)

// standardAliases maps canonical model names to the per-backend name
// that plays the equivalent role.
var standardAliases = map[string]map[string]string{
	"gpt-3.5-turbo": {
		"openai":     "gpt-3.5-turbo",
		"openrouter": "openai/gpt-3.5-turbo",
		"mistral":    "mistral-small",
		"ollama":     "llama2",
	},
	"gpt-4": {
		"openai":     "gpt-4",
		"openrouter": "openai/gpt-4",
		"mistral":    "mistral-large-latest",
		"ollama":     "llama2:13b",
	},
	"claude": {
		"openai":     "gpt-4",
		"openrouter": "anthropic/claude-3-sonnet",
		"mistral":    "mistral-medium",
		"ollama":     "mistral",
	},
}

// backendAliases holds per-backend rewrites for model names commonly
// requested against the wrong backend.
var backendAliases = map[string]map[string]string{
	"ollama": {
		"mistral-tiny":   "mistral",
		"mistral-small":  "mistral",
		"mistral-medium": "mistral",
		"mistral-large":  "mistral",
		"llama":          "llama2",
		"llama2:70b":     "llama2:13b",
	},
	"openrouter": {
		"mistral-tiny":   "mistralai/mistral-tiny",
		"mistral-small":  "mistralai/mistral-small",
		"mistral-medium": "mistralai/mistral-medium",
		"mistral-large":  "mistralai/mistral-large-latest",
		"mixtral":        "mistralai/mixtral-8x7b",
	},
}

// fallbackModels lists, in preference order, the models to try when a
// requested name cannot be mapped onto a backend.
var fallbackModels = map[string][]string{
	"openai":     {"gpt-3.5-turbo", "gpt-3.5-turbo-0125", "gpt-3.5-turbo-1106"},
	"ollama":     {"neural-chat", "phi", "mistral", "llama2"},
	"mistral":    {"mistral-small", "mistral-tiny", "open-mistral-7b"},
	"openrouter": {"anthropic/claude-3-haiku", "openai/gpt-3.5-turbo", "mistralai/mistral-small"},
}

// Resolver resolves model names against a backend's catalog.
type Resolver struct {
	logger *zap.Logger
}

// New creates a resolver.
func New(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve maps requested onto a model the backend can serve. catalog
// is the backend's model listing; overrides and defaultModel come from
// the backend's configuration. An empty requested name resolves to the
// backend default. First match wins:
//
//  1. configured override,
//  2. exact catalog entry,
//  3. alias tables, when the aliased name is in the catalog,
//  4. the backend's fallback list, filtered by the catalog,
//  5. the backend default model.
func (r *Resolver) Resolve(backend, requested string, catalog []providers.ModelInfo, overrides map[string]string, defaultModel string) (string, error) {
	inCatalog := make(map[string]bool, len(catalog))
	for _, m := range catalog {
		inCatalog[m.Name] = true
	}

	if requested == "" {
		if defaultModel != "" {
			return defaultModel, nil
		}
		return "", providers.NewModelNotFoundError(backend, "(default)")
	}

	if mapped, ok := overrides[requested]; ok {
		r.logger.Debug("model resolved by override",
			zap.String("backend", backend),
			zap.String("requested", requested),
			zap.String("resolved", mapped))
		return mapped, nil
	}

	if inCatalog[requested] {
		return requested, nil
	}

	if mapped := r.alias(backend, requested); mapped != "" && (len(catalog) == 0 || inCatalog[mapped]) {
		r.logger.Debug("model resolved by alias",
			zap.String("backend", backend),
			zap.String("requested", requested),
			zap.String("resolved", mapped))
		return mapped, nil
	}

	for _, fb := range fallbackModels[backend] {
		if inCatalog[fb] {
			r.logger.Debug("model resolved by fallback",
				zap.String("backend", backend),
				zap.String("requested", requested),
				zap.String("resolved", fb))
			return fb, nil
		}
	}

	// an empty catalog means the backend could not be listed; trust
	// the configured default rather than failing outright
	if defaultModel != "" && (len(catalog) == 0 || inCatalog[defaultModel]) {
		return defaultModel, nil
	}

	return "", providers.NewModelNotFoundError(backend, requested)
}

// CanServe reports whether a backend could plausibly serve the
// requested model, used for backend selection before the catalog is
// consulted in full.
func (r *Resolver) CanServe(backend, requested string, catalog []providers.ModelInfo, overrides map[string]string, defaultModel string) bool {
	_, err := r.Resolve(backend, requested, catalog, overrides, defaultModel)
	return err == nil
}

// alias consults the backend-specific table first, then the standard
// table.
func (r *Resolver) alias(backend, requested string) string {
	if table, ok := backendAliases[backend]; ok {
		if mapped, ok := table[requested]; ok {
			return mapped
		}
	}
	if perBackend, ok := standardAliases[requested]; ok {
		if mapped, ok := perBackend[backend]; ok {
			return mapped
		}
	}
	return ""
}
