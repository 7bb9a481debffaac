package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/courier/internal/client"
	"github.com/msageha/courier/internal/model"
)

func newCommandCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "command",
		Aliases: []string{"cmd"},
		Short:   "Create and inspect commands",
	}

	var (
		agentID, cmdType, content string
		priority, timeout, retries int
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a command for an agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := model.CreateCommandRequest{AgentID: agentID, Type: model.CommandType(cmdType)}
			if content != "" {
				if err := json.Unmarshal([]byte(content), &req.Content); err != nil {
					return fmt.Errorf("--content must be a JSON object: %w", err)
				}
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if cmd.Flags().Changed("timeout") {
				req.TimeoutSec = &timeout
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &retries
			}
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.CreateCommand(cmd.Context(), req)
			})
		},
	}
	createCmd.Flags().StringVar(&agentID, "agent", "", "target agent id (required)")
	createCmd.Flags().StringVar(&cmdType, "type", string(model.CommandTypeTask), "pause|cancel|task|config_reload|status_check")
	createCmd.Flags().StringVar(&content, "content", "", "JSON object payload")
	createCmd.Flags().IntVar(&priority, "priority", 0, "0-100, higher is dispatched first")
	createCmd.Flags().IntVar(&timeout, "timeout", 0, "seconds the worker has per attempt")
	createCmd.Flags().IntVar(&retries, "max-retries", 0, "automatic retries on timeout")
	_ = createCmd.MarkFlagRequired("agent")

	var (
		filter             model.CommandFilter
		status, typ        string
		startTime, endTime string
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List commands, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = model.CommandStatus(status)
			filter.Type = model.CommandType(typ)
			var err error
			if filter.StartTime, err = parseTimeFlag("start", startTime); err != nil {
				return err
			}
			if filter.EndTime, err = parseTimeFlag("end", endTime); err != nil {
				return err
			}
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.ListCommands(cmd.Context(), filter)
			})
		},
	}
	listCmd.Flags().StringVar(&filter.AgentID, "agent", "", "filter by agent id")
	listCmd.Flags().StringVar(&status, "status", "", "filter by status")
	listCmd.Flags().StringVar(&typ, "type", "", "filter by command type")
	listCmd.Flags().StringVar(&startTime, "start", "", "created at or after (RFC3339)")
	listCmd.Flags().StringVar(&endTime, "end", "", "created at or before (RFC3339)")
	listCmd.Flags().IntVar(&filter.Page, "page", 0, "page number (from 1)")
	listCmd.Flags().IntVar(&filter.PageSize, "page-size", 0, "items per page (max 100)")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.GetCommand(cmd.Context(), args[0])
			})
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Reopen an error or timeout command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.RetryCommand(cmd.Context(), args[0])
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or executing command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.CancelCommand(cmd.Context(), args[0])
			})
		},
	}

	var statsAgent string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Counts by status and queue depths",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.Stats(cmd.Context(), statsAgent)
			})
		},
	}
	statsCmd.Flags().StringVar(&statsAgent, "agent", "", "limit to one agent")

	cmd.AddCommand(createCmd, listCmd, getCmd, retryCmd, cancelCmd, statsCmd)
	return cmd
}

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run ad-hoc agent and group executions",
	}

	var input string
	parseInput := func() (map[string]any, error) {
		if input == "" {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(input), &m); err != nil {
			return nil, fmt.Errorf("--input must be a JSON object: %w", err)
		}
		return m, nil
	}

	agentCmd := &cobra.Command{
		Use:   "agent <agent_id>",
		Short: "Execute one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInput()
			if err != nil {
				return err
			}
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.ExecuteAgent(cmd.Context(), args[0], in)
			})
		},
	}
	groupCmd := &cobra.Command{
		Use:   "group <group_id>",
		Short: "Fan out to a group's members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInput()
			if err != nil {
				return err
			}
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.ExecuteGroup(cmd.Context(), args[0], in)
			})
		},
	}
	for _, c := range []*cobra.Command{agentCmd, groupCmd} {
		c.Flags().StringVar(&input, "input", "", "JSON object input")
	}

	getCmd := &cobra.Command{
		Use:   "get <execution_id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.GetExecution(cmd.Context(), args[0])
			})
		},
	}

	var filter model.ExecutionFilter
	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = model.ExecutionStatus(status)
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.ListExecutions(cmd.Context(), filter)
			})
		},
	}
	listCmd.Flags().StringVar(&filter.AgentID, "agent", "", "filter by agent id")
	listCmd.Flags().StringVar(&filter.GroupID, "group", "", "filter by group id")
	listCmd.Flags().StringVar(&filter.ParentID, "parent", "", "members of a group execution")
	listCmd.Flags().StringVar(&status, "status", "", "filter by status")
	listCmd.Flags().IntVar(&filter.Page, "page", 0, "page number (from 1)")
	listCmd.Flags().IntVar(&filter.PageSize, "page-size", 0, "items per page (max 100)")

	logsCmd := &cobra.Command{
		Use:   "logs <execution_id>",
		Short: "Show an execution's log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.ExecutionLogs(cmd.Context(), args[0])
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <execution_id>",
		Short: "Cancel a pending or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(c *client.Client) (any, error) {
				return c.CancelExecution(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(agentCmd, groupCmd, getCmd, listCmd, logsCmd, cancelCmd)
	return cmd
}

// withClient runs fn against the API and prints its result as JSON.
func withClient(cmd *cobra.Command, fn func(*client.Client) (any, error)) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	out, err := fn(c)
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}
