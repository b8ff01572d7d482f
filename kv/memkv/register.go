package memkv

import (
	"time"

	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv"
	"github.com/warp/kvtx/kv/factory"
)

func init() {
	factory.Register("Memory", construct)
}

type settings struct {
	Name                string
	DefaultTTLMs        int
	MaxCacheSize        int
	EnableEviction      bool
	EvictionIntervalMs  int
}

func construct(raw map[string]any, newEntity func() entity.Entity) (kv.Provider, error) {
	var s settings
	if err := factory.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	return New(Options{
		Name:             s.Name,
		DefaultTTL:       time.Duration(s.DefaultTTLMs) * time.Millisecond,
		MaxCacheSize:     s.MaxCacheSize,
		EnableEviction:   s.EnableEviction,
		EvictionInterval: time.Duration(s.EvictionIntervalMs) * time.Millisecond,
	}), nil
}
