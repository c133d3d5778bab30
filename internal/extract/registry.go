package extract

import (
	"net/http"
	"strings"

	"github.com/agentcert/backend/internal/core"
)

// Extractor converts one provider's request/response pair into the unified
// trace schema.
type Extractor interface {
	ProviderName() string
	HandledPaths() []string
	Extract(requestBody, responseBody []byte, latencyMs int64, headers http.Header) (*ExtractedTrace, error)
}

// Registry is a stateless lookup from provider name or request path to an
// extractor. Built once at startup; safe for concurrent reads.
type Registry struct {
	byName []Extractor
}

// NewRegistry builds a registry over the given extractors.
func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{byName: extractors}
}

// DefaultRegistry covers the built-in providers.
func DefaultRegistry() *Registry {
	return NewRegistry(NewAnthropicExtractor(), NewOpenAIExtractor())
}

// ByProvider returns the extractor registered under the provider name.
func (r *Registry) ByProvider(name string) (Extractor, error) {
	for _, e := range r.byName {
		if e.ProviderName() == name {
			return e, nil
		}
	}
	return nil, core.NotFoundf("no extractor for provider %q", name)
}

// ByPath dispatches router-style on the request path prefix.
func (r *Registry) ByPath(path string) (Extractor, error) {
	for _, e := range r.byName {
		for _, prefix := range e.HandledPaths() {
			if strings.HasPrefix(path, prefix) {
				return e, nil
			}
		}
	}
	return nil, core.NotFoundf("no extractor handles path %q", path)
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.byName))
	for _, e := range r.byName {
		names = append(names, e.ProviderName())
	}
	return names
}
