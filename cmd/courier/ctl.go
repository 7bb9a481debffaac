package main

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/courier/internal/uds"
)

// newCtlCmd talks to the daemon's admin socket.
func newCtlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Administer a running daemon over its local socket",
	}
	for _, c := range []struct{ name, short string }{
		{"ping", "Check that the daemon answers"},
		{"status", "Raw daemon status"},
		{"sweep", "Run the timeout sweep now"},
		{"reconcile", "Rebuild the queue index from the record store"},
		{"shutdown", "Ask the daemon to shut down gracefully"},
	} {
		name := c.name
		cmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return callSocket(cmd, name)
			},
		})
	}
	return cmd
}

func callSocket(cmd *cobra.Command, command string) error {
	dataDir, err := requireDataDir()
	if err != nil {
		return err
	}
	client := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	client.SetTimeout(30 * time.Second)

	var out json.RawMessage
	if err := client.Call(command, nil, &out); err != nil {
		return err
	}
	return printJSON(cmd, out)
}
