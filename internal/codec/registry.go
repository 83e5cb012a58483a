package codec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
)

// Factory builds the decoder and encoder of one wire protocol.
type Factory struct {
	// Protocol is the name used in configuration and URLs.
	Protocol domain.Protocol

	// Description is a human-readable summary.
	Description string

	NewDecoder func(opts ...Option) ports.Decoder
	NewEncoder func(opts ...Option) ports.Encoder
}

var (
	factoryMu   sync.RWMutex
	factoryMap  = make(map[domain.Protocol]Factory)
	factoryList []Factory
)

// RegisterFactory registers a protocol. It is called by each protocol
// package's Register function and panics on an empty name, a missing
// constructor, or a duplicate.
func RegisterFactory(f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if f.Protocol == "" {
		panic("codec factory protocol cannot be empty")
	}
	if f.NewDecoder == nil || f.NewEncoder == nil {
		panic(fmt.Sprintf("codec factory %q must have NewDecoder and NewEncoder", f.Protocol))
	}
	if _, exists := factoryMap[f.Protocol]; exists {
		panic(fmt.Sprintf("codec factory %q already registered", f.Protocol))
	}

	factoryMap[f.Protocol] = f
	factoryList = append(factoryList, f)
}

// GetFactory returns the factory for a protocol, if registered.
func GetFactory(p domain.Protocol) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	f, ok := factoryMap[p]
	return f, ok
}

// IsRegistered reports whether a protocol has a factory.
func IsRegistered(p domain.Protocol) bool {
	_, ok := GetFactory(p)
	return ok
}

// Lookup returns the factory for name or an unsupported error.
func Lookup(name string) (Factory, error) {
	f, ok := GetFactory(domain.Protocol(name))
	if !ok {
		return Factory{}, domain.NewUnsupportedError(
			fmt.Sprintf("unknown protocol: %s (registered protocols: %v)", name, ListProtocols()))
	}
	return f, nil
}

// ListFactories returns all registered factories sorted by protocol.
func ListFactories() []Factory {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	result := make([]Factory, len(factoryList))
	copy(result, factoryList)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Protocol < result[j].Protocol
	})
	return result
}

// ListProtocols returns all registered protocol names.
func ListProtocols() []string {
	factories := ListFactories()
	names := make([]string, len(factories))
	for i, f := range factories {
		names[i] = string(f.Protocol)
	}
	return names
}

// ClearFactories removes all registered factories (for testing only).
func ClearFactories() {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	factoryMap = make(map[domain.Protocol]Factory)
	factoryList = nil
}
