package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/kvtx/config"
	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv"
	"github.com/warp/kvtx/kv/factory"

	_ "github.com/warp/kvtx/kv/fskv"
	_ "github.com/warp/kvtx/kv/memkv"
	_ "github.com/warp/kvtx/kv/sqlkv"
)

// resolveProvider loads the config named by --config and builds the
// provider named by --provider (or the config's defaultProvider),
// bound to the CLI's generic record type.
func resolveProvider(cmd *cobra.Command) (kv.Provider, error) {
	configPath, _ := cmd.Flags().GetString("config")
	providerName, _ := cmd.Flags().GetString("provider")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	p, err := factory.New(cfg, providerName, func() entity.Entity { return &record{} })
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("kvtxctl: provider %q is disabled or missing from %s", providerName, configPath)
	}
	return p, nil
}
