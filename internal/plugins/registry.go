// Package plugins resolves providers, parsers, enhancers and the storage
// plugins by name. Every plugin is registered once at startup.
package plugins

import (
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

// Registry is the in-process PluginRegistry
type Registry struct {
	mu        sync.RWMutex
	providers map[string]interfaces.Provider
	parsers   []interfaces.FileParser
	enhancers map[string]interfaces.Enhancer
	database  interfaces.Database
	files     interfaces.FileStorage
	logger    arbor.ILogger
}

// NewRegistry creates a registry around the database and file storage plugins
func NewRegistry(database interfaces.Database, files interfaces.FileStorage, logger arbor.ILogger) *Registry {
	return &Registry{
		providers: make(map[string]interfaces.Provider),
		enhancers: make(map[string]interfaces.Enhancer),
		database:  database,
		files:     files,
		logger:    logger,
	}
}

// RegisterProvider adds a provider keyed by its type
func (r *Registry) RegisterProvider(provider interfaces.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Type()] = provider
	r.logger.Debug().Str("provider", provider.Type()).Msg("Provider registered")
}

// RegisterParser appends a parser. Registration order is the order parsers are tried in.
func (r *Registry) RegisterParser(parser interfaces.FileParser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers = append(r.parsers, parser)
	r.logger.Debug().
		Str("parser", parser.Name()).
		Strs("mime_types", parser.MimeTypes()).
		Msg("File parser registered")
}

// RegisterEnhancer adds an enhancer keyed by its name
func (r *Registry) RegisterEnhancer(enhancer interfaces.Enhancer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enhancers[enhancer.Name()] = enhancer
	r.logger.Debug().Str("enhancer", enhancer.Name()).Msg("Enhancer registered")
}

func (r *Registry) Provider(providerType string) (interfaces.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[providerType]
	if !ok {
		return nil, models.NewNonRetryable(models.ErrCodeProviderNotFound, "no provider registered for %q", providerType)
	}
	return provider, nil
}

// ParsersFor returns parsers accepting mimeType, exact matches before wildcards
func (r *Registry) ParsersFor(mimeType string) []interfaces.FileParser {
	mimeType = normalizeMimeType(mimeType)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var exact, wildcard []interfaces.FileParser
	for _, parser := range r.parsers {
		switch matchMimeType(parser.MimeTypes(), mimeType) {
		case matchExact:
			exact = append(exact, parser)
		case matchWildcard:
			wildcard = append(wildcard, parser)
		}
	}
	return append(exact, wildcard...)
}

func (r *Registry) Parser(name string) (interfaces.FileParser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, parser := range r.parsers {
		if parser.Name() == name {
			return parser, nil
		}
	}
	return nil, models.NewNonRetryable(models.ErrCodeUnsupportedMimeType, "no parser named %q", name)
}

func (r *Registry) Enhancer(name string) (interfaces.Enhancer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enhancer, ok := r.enhancers[name]
	if !ok {
		return nil, models.NewNonRetryable(models.ErrCodeEnhancerNotFound, "no enhancer named %q", name)
	}
	return enhancer, nil
}

func (r *Registry) Database() interfaces.Database {
	return r.database
}

func (r *Registry) FileStorage() interfaces.FileStorage {
	return r.files
}

// Names lists registered plugins per category, for the status endpoint
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := map[string][]string{}
	for name := range r.providers {
		names["providers"] = append(names["providers"], name)
	}
	for _, parser := range r.parsers {
		names["parsers"] = append(names["parsers"], parser.Name())
	}
	for name := range r.enhancers {
		names["enhancers"] = append(names["enhancers"], name)
	}
	sort.Strings(names["providers"])
	sort.Strings(names["enhancers"])
	return names
}

type mimeMatch int

const (
	matchNone mimeMatch = iota
	matchWildcard
	matchExact
)

func matchMimeType(accepted []string, mimeType string) mimeMatch {
	best := matchNone
	for _, candidate := range accepted {
		candidate = normalizeMimeType(candidate)
		switch {
		case candidate == mimeType:
			return matchExact
		case candidate == "*/*":
			best = matchWildcard
		case strings.HasSuffix(candidate, "/*") && strings.HasPrefix(mimeType, strings.TrimSuffix(candidate, "*")):
			best = matchWildcard
		}
	}
	return best
}

func normalizeMimeType(mimeType string) string {
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
