package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/durable/internal/server"
)

const defaultServerURL = "http://localhost:7071"

type globals struct {
	serverURL string
	output    string
}

func (g *globals) client() *server.Client {
	return server.NewClient(g.serverURL, nil)
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "durable-host",
		Short:         "Durable orchestration host",
		Long:          "durable-host runs long-running orchestrations whose progress survives restarts, and manages their instances.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverURL := os.Getenv("DURABLE_SERVER_URL")
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	root.PersistentFlags().StringVar(&g.serverURL, "server", serverURL, "URL of a running host")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", outputTable, "output format: table, json or yaml")

	root.AddCommand(
		newServeCommand(),
		newStartCommand(g),
		newStatusCommand(g),
		newListCommand(g),
		newTerminateCommand(g),
		newHistoryCommand(g),
		newStatusCheckCommand(g),
		newEnvCommand(g),
	)
	return root
}
