package factory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kvtx/config"
	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv"
	"github.com/warp/kvtx/kv/factory"
	_ "github.com/warp/kvtx/kv/memkv"
	_ "github.com/warp/kvtx/kv/sqlkv"
)

type widget struct {
	entity.Base
	Name string `json:"name"`
}

func TestNew_BuildsMemoryProviderFromConfig(t *testing.T) {
	cfg := &config.Config{
		Persistence: config.Persistence{
			DefaultProvider: "cache",
			Providers: map[string]config.ProviderConfig{
				"cache": {
					Type:     "Memory",
					Enabled:  true,
					Settings: map[string]any{"Name": "cache", "MaxCacheSize": 10},
				},
			},
		},
	}

	p, err := factory.New(cfg, "", func() entity.Entity { return &widget{} })
	require.NoError(t, err)
	require.NotNil(t, p)

	w := &widget{Name: "hi"}
	w.Key = "a"
	require.NoError(t, p.Save(context.Background(), "a", w))
	got, err := p.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.(*widget).Name)
}

func TestNew_BuildsSqliteProviderFromConfig(t *testing.T) {
	cfg := &config.Config{
		Persistence: config.Persistence{
			Providers: map[string]config.ProviderConfig{
				"db": {
					Type:    "Sqlite",
					Enabled: true,
					Settings: map[string]any{
						"DataSource":             ":memory:",
						"CreateTableIfNotExists": true,
						"Schema":                 "test",
						"EntityType":             "Widget",
					},
				},
			},
		},
	}

	p, err := factory.New(cfg, "db", func() entity.Entity { return &widget{} })
	require.NoError(t, err)
	require.NotNil(t, p)
	if closer, ok := p.(kv.Closer); ok {
		defer closer.Close()
	}

	w := &widget{Name: "sql"}
	w.Key = "k"
	require.NoError(t, p.Save(context.Background(), "k", w))
}

func TestNew_DisabledProviderReturnsNilNil(t *testing.T) {
	cfg := &config.Config{
		Persistence: config.Persistence{
			Providers: map[string]config.ProviderConfig{
				"cache": {Type: "Memory", Enabled: false},
			},
		},
	}
	p, err := factory.New(cfg, "cache", func() entity.Entity { return &widget{} })
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNew_UnregisteredTypeReturnsProviderNotFound(t *testing.T) {
	cfg := &config.Config{
		Persistence: config.Persistence{
			Providers: map[string]config.ProviderConfig{
				"mystery": {Type: "Nonexistent", Enabled: true},
			},
		},
	}
	_, err := factory.New(cfg, "mystery", func() entity.Entity { return &widget{} })
	require.Error(t, err)
	assert.ErrorIs(t, err, kv.ErrProviderNotFound)
}

func TestMustLookup_PanicsOnUnknownType(t *testing.T) {
	assert.Panics(t, func() {
		factory.MustLookup("Nonexistent")
	})
}
