package llm

import (
	"net/http"
	"sync"
)

// Provider adapts one LLM API family to the client.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "mock").
	Name() string

	// BuildURL constructs the completion endpoint from the configured base.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers (auth, versioning).
	SetHeaders(req *http.Request)

	// BuildRequestBody serializes one completion request.
	// temperature nil means endpoint default; maxTokens 0 means no cap.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the completion from the provider's wire format.
	ParseResponse(body []byte, model string) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, or nil.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}
