package sqlkv

import (
	"time"

	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv"
	"github.com/warp/kvtx/kv/factory"
)

func init() {
	factory.Register("Sqlite", construct)
}

type settings struct {
	DataSource             string
	Mode                   string
	Cache                  string
	ForeignKeys            bool
	CommandTimeoutMs       int
	CreateTableIfNotExists bool
	Schema                 string
	EntityType             string
}

func construct(raw map[string]any, newEntity func() entity.Entity) (kv.Provider, error) {
	s := settings{CreateTableIfNotExists: true}
	if err := factory.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	return New(Options{
		DataSource:             s.DataSource,
		Mode:                   Mode(s.Mode),
		Cache:                  CacheMode(s.Cache),
		ForeignKeys:            s.ForeignKeys,
		CommandTimeout:         time.Duration(s.CommandTimeoutMs) * time.Millisecond,
		CreateTableIfNotExists: s.CreateTableIfNotExists,
		Schema:                 s.Schema,
		EntityType:             s.EntityType,
		NewEntity:              newEntity,
	})
}
