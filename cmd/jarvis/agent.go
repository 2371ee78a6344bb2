package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and control supervised agents",
	}
	cmd.AddCommand(
		buildAgentListCmd(),
		buildAgentStartCmd(),
		buildAgentStopCmd(),
		buildAgentRestartCmd(),
	)
	return cmd
}

func buildAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered agent and its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			records := a.supervisor.List()
			if len(records) == 0 {
				fmt.Println("no agents registered")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s\t%s\t%s\tpriority=%d\tqueue=%d\n", r.ID, r.Kind, r.State, r.Priority, r.QueueDepth())
			}
			return nil
		},
	}
}

func buildAgentStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a registered agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.supervisor.Start(args[0])
		},
	}
}

func buildAgentStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.supervisor.Stop(args[0])
		},
	}
}

func buildAgentRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <id>",
		Short: "Restart an agent, bypassing its restart policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.supervisor.Restart(args[0])
		},
	}
}
