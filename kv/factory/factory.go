/*
Package factory instantiates a kv.Provider by name from config,
generalizing the teacher's factory/policy.go pattern (a registry of
constructors keyed by a Type string, looked up and invoked against
settings from config) from policy bundles to storage backends
(spec.md §4.6).

Backend packages self-register under their Type tag from an init()
function, the same way the teacher's timeoff/factory.go and
rewards/factory.go register policy constructors with generic's
RegisterResource registry (generic/resource.go) rather than factory
knowing about every domain package directly.
*/
package factory

import (
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/warp/kvtx/config"
	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv"
)

// Constructor builds a kv.Provider from a decoded settings map and the
// entity factory the caller wants this instance bound to. settings is
// the raw config.ProviderConfig.Settings map; each backend decodes it
// into its own Options type with mapstructure.
type Constructor func(settings map[string]any, newEntity func() entity.Entity) (kv.Provider, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Constructor)
)

// Register adds a backend constructor under typeTag. Call this from a
// backend package's init() function.
func Register(typeTag string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	registry[typeTag] = c
}

// Lookup finds a registered constructor by type tag, or nil.
func Lookup(typeTag string) Constructor {
	mu.RLock()
	defer mu.RUnlock()
	return registry[typeTag]
}

// MustLookup finds a registered constructor or panics. Intended for
// tests and package init checks, not request-path code.
func MustLookup(typeTag string) Constructor {
	c := Lookup(typeTag)
	if c == nil {
		panic(fmt.Sprintf("factory: backend type not registered: %s", typeTag))
	}
	return c
}

// New resolves providerName in cfg (falling back to DefaultProvider
// when empty), looks up its Type's constructor, and builds a
// kv.Provider bound to newEntity.
//
// Returns (nil, nil) if the provider is absent or disabled —
// spec.md §4.6 "a disabled provider is not an error, it is simply
// unavailable" — and kv.ErrProviderNotFound if its Type has no
// registered constructor.
func New(cfg *config.Config, providerName string, newEntity func() entity.Entity) (kv.Provider, error) {
	pc, err := cfg.Resolve(providerName)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, nil
	}

	ctor := Lookup(pc.Type)
	if ctor == nil {
		return nil, fmt.Errorf("%w: %s", kv.ErrProviderNotFound, pc.Type)
	}
	return ctor(pc.Settings, newEntity)
}

// DecodeSettings unmarshals a config.ProviderConfig.Settings map into
// an Options struct via field-name-insensitive mapstructure decoding,
// the way the teacher's store/sqlite.go decodes its DSN from a loose
// settings bag.
func DecodeSettings(settings map[string]any, out any) error {
	if settings == nil {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("factory: build decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return fmt.Errorf("factory: decode settings: %w", err)
	}
	return nil
}
