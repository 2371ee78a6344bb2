package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jarvis-ops/jarvis/internal/audit"
	"github.com/jarvis-ops/jarvis/internal/errs"
)

func buildDoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "do \"instruction\"",
		Short: "Parse free text and execute the resulting tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			parsed, err := a.parser.Parse(ctx, args[0])
			if err != nil {
				return err
			}
			if parsed.Tool == "" {
				fmt.Printf("could not map %q to a tool (intent=%s, confidence=%.2f)\n", args[0], parsed.Intent, parsed.Confidence)
				if len(parsed.Suggestions) > 0 {
					fmt.Println("did you mean:")
					for _, s := range parsed.Suggestions {
						fmt.Println("  -", s)
					}
				}
				return nil
			}

			argBytes, err := json.Marshal(parsed.Arguments)
			if err != nil {
				return err
			}

			result, callErr := a.tools.Call(ctx, parsed.Tool, argBytes)
			actor := "operator"
			destructive := audit.IsDestructive(args[0])
			if callErr != nil {
				a.audit.Log(audit.Record{
					Type: audit.EventToolInvocation, Actor: actor, Action: parsed.Tool,
					Arguments: parsed.Arguments, Destructive: destructive,
					Outcome: audit.OutcomeError, Error: callErr.Error(),
				})
				a.metrics.ObserveToolCall(parsed.Tool, "error", 0)
				return callErr
			}

			outcome := audit.OutcomeOK
			if result.IsError {
				outcome = audit.OutcomeError
			} else if destructive {
				outcome = audit.OutcomePreview
			}
			a.audit.Log(audit.Record{
				Type: audit.EventToolCompletion, Actor: actor, Action: parsed.Tool,
				Arguments: parsed.Arguments, Destructive: destructive, Outcome: outcome,
			})
			metricOutcome := "ok"
			if result.IsError {
				metricOutcome = "error"
			}
			a.metrics.ObserveToolCall(parsed.Tool, metricOutcome, result.Elapsed)

			fmt.Println(result.Text())
			if result.IsError {
				return errs.New(errs.ExternalTool, "cmd", "do", fmt.Errorf("tool %s reported an error", parsed.Tool))
			}
			return nil
		},
	}
	return cmd
}
