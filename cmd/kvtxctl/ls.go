package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List every key in the provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := resolveProvider(cmd)
		if err != nil {
			return err
		}
		all, err := p.GetAll(context.Background(), nil)
		if err != nil {
			return err
		}
		for _, e := range all {
			fmt.Printf("%s\t(version %d)\n", e.ID(), e.Version())
		}
		fmt.Printf("%d key(s)\n", len(all))
		return nil
	},
}
