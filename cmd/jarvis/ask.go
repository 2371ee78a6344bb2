package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jarvis-ops/jarvis/internal/router"
)

func buildAskCmd() *cobra.Command {
	var intent string
	cmd := &cobra.Command{
		Use:   "ask \"question\"",
		Short: "Run a one-shot completion through the router",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			reply, err := a.router.Complete(ctx, router.Intent(intent), args[0], router.Options{})
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&intent, "intent", string(router.IntentUnknown), "Intent used for prompt/model selection")
	return cmd
}
