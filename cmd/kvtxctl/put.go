package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <key> <json-value>",
	Short: "Write a key's value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("kvtxctl: value is not valid JSON: %s", args[1])
		}
		p, err := resolveProvider(cmd)
		if err != nil {
			return err
		}
		r := &record{Value: json.RawMessage(args[1])}
		r.Key = args[0]
		if err := p.Save(context.Background(), args[0], r); err != nil {
			return err
		}
		fmt.Printf("saved %s (version %d)\n", r.ID(), r.Version())
		return nil
	},
}
