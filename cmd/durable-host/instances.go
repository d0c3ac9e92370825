package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/durable/pkg/api"
)

func newStartCommand(g *globals) *cobra.Command {
	var input, id string
	cmd := &cobra.Command{
		Use:   "start <orchestrator>",
		Short: "Start an orchestration instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in any
			if input != "" {
				if !json.Valid([]byte(input)) {
					return fmt.Errorf("--input is not valid JSON")
				}
				in = json.RawMessage(input)
			}
			check, err := g.client().Start(cmd.Context(), args[0], in, id)
			if err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.output).checkStatus(check)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "orchestration input as JSON")
	cmd.Flags().StringVar(&id, "id", "", "instance id (generated when empty)")
	return cmd
}

func newStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show the status of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.client().GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.output).instance(st)
		},
	}
}

func newListCommand(g *globals) *cobra.Command {
	var statuses []string
	var from, to string
	var running bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := g.client()
			p := newPrinter(cmd.OutOrStdout(), g.output)
			if running {
				list, err := client.OrchestrationStatus(cmd.Context())
				if err != nil {
					return err
				}
				return p.instances(list)
			}

			q, err := buildQuery(statuses, from, to)
			if err != nil {
				return err
			}
			list, err := client.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			return p.instances(list)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "runtime statuses to include (comma separated)")
	cmd.Flags().StringVar(&from, "from", "", "only instances created at or after this RFC 3339 time")
	cmd.Flags().StringVar(&to, "to", "", "only instances created at or before this RFC 3339 time")
	cmd.Flags().BoolVar(&running, "running", false, "list every running instance")
	return cmd
}

func buildQuery(statuses []string, from, to string) (api.InstanceQuery, error) {
	var q api.InstanceQuery
	var err error
	for _, s := range statuses {
		st, err := api.ParseRuntimeStatus(strings.TrimSpace(s))
		if err != nil {
			return q, err
		}
		q.Statuses = append(q.Statuses, st)
	}
	if from != "" {
		if q.CreatedFrom, err = time.Parse(time.RFC3339, from); err != nil {
			return q, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if q.CreatedTo, err = time.Parse(time.RFC3339, to); err != nil {
			return q, fmt.Errorf("--to: %w", err)
		}
	}
	return q, nil
}

func newTerminateCommand(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <instance-id>",
		Short: "Terminate a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().Terminate(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "termination of %s requested\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "terminated by operator", "reason recorded in history")
	return cmd
}

func newHistoryCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "history <instance-id>",
		Short: "Show the event history of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := g.client().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.output).history(events)
		},
	}
}

func newStatusCheckCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "statuscheck",
		Short: "Report whether any instance is still running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			running, err := g.client().StatusCheck(cmd.Context())
			if err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.output).value(map[string]bool{"hasRunning": running})
		},
	}
}

func newEnvCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the redacted configuration of a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := g.client().Environment(cmd.Context())
			if err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.output).value(env)
		},
	}
}
