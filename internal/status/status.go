// Package status reports on a running daemon through its admin socket.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/uds"
)

type Report struct {
	Daemon            DaemonStatus        `json:"daemon"`
	HTTPAddr          string              `json:"http_addr,omitempty"`
	Commands          *model.CommandStats `json:"commands,omitempty"`
	RunningExecutions int                 `json:"running_executions"`
	WSClients         int                 `json:"ws_clients"`
	Agents            int                 `json:"agents"`
	Groups            int                 `json:"groups"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// Collect queries the daemon owning dataDir. A daemon that does not answer
// is reported as stopped, not as an error.
func Collect(dataDir string) (Report, error) {
	client := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)

	var report Report
	var ping struct {
		PID int `json:"pid"`
	}
	if err := client.Call("ping", nil, &ping); err != nil {
		return report, nil
	}
	report.Daemon = DaemonStatus{Running: true, PID: ping.PID}

	if err := client.Call("status", nil, &report); err != nil {
		return report, fmt.Errorf("status: %w", err)
	}
	return report, nil
}

// Run collects a report and prints it as text or indented JSON.
func Run(dataDir string, jsonOutput bool, w io.Writer) error {
	report, err := Collect(dataDir)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	Print(w, report)
	return nil
}

func Print(w io.Writer, r Report) {
	if !r.Daemon.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}
	fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.PID)
	fmt.Fprintf(w, "HTTP:   %s\n", r.HTTPAddr)
	fmt.Fprintf(w, "Agents: %d  Groups: %d  Running executions: %d  WebSocket clients: %d\n",
		r.Agents, r.Groups, r.RunningExecutions, r.WSClients)

	if r.Commands == nil {
		return
	}
	fmt.Fprintf(w, "\nCommands (%d total):\n", r.Commands.Total)
	for _, st := range model.AllCommandStatuses {
		fmt.Fprintf(w, "  %-10s %6d\n", st, r.Commands.StatusCounts[st])
	}

	if len(r.Commands.QueueDepths) > 0 {
		agents := make([]string, 0, len(r.Commands.QueueDepths))
		for a := range r.Commands.QueueDepths {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		fmt.Fprintln(w, "\nQueues:")
		fmt.Fprintf(w, "  %-20s %7s\n", "AGENT", "PENDING")
		for _, a := range agents {
			fmt.Fprintf(w, "  %-20s %7d\n", a, r.Commands.QueueDepths[a])
		}
	}
}
