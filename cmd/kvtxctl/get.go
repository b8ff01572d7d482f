package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a key's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := resolveProvider(cmd)
		if err != nil {
			return err
		}
		v, err := p.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		if v == nil {
			fmt.Println("(not found)")
			return nil
		}
		r := v.(*record)
		fmt.Printf("%s (version %d)\n%s\n", r.ID(), r.Version(), r.Value)
		return nil
	},
}
