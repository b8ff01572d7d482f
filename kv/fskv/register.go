package fskv

import (
	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv"
	"github.com/warp/kvtx/kv/factory"
)

func init() {
	factory.Register("FileSystem", construct)
}

type settings struct {
	Root               string
	UseSubdirectories  bool
	MaxConcurrentFiles int
	MaxRetries         int
	RetryDelayMs       int
}

func construct(raw map[string]any, newEntity func() entity.Entity) (kv.Provider, error) {
	var s settings
	if err := factory.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	return New(Options{
		Root:               s.Root,
		UseSubdirectories:  s.UseSubdirectories,
		MaxConcurrentFiles: s.MaxConcurrentFiles,
		MaxRetries:         s.MaxRetries,
		RetryDelayMs:       s.RetryDelayMs,
		NewEntity:          newEntity,
	})
}
