package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/conductor/pkg/api"
	"github.com/cuemby/conductor/pkg/orchestrator"
	"github.com/cuemby/conductor/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskctl",
	Short: "taskctl talks to a running conductord over its task API",
}

func init() {
	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8000", "conductord API address")

	rootCmd.AddCommand(submitCmd, listCmd, showCmd, cancelCmd, unblockCmd, pauseCmd, resumeCmd, forceResumeCmd)

	submitCmd.Flags().String("name", "", "task name")
	submitCmd.Flags().String("description", "", "task description")
	submitCmd.Flags().String("class", "", "light, medium, or heavy (default medium)")
	submitCmd.Flags().String("priority", "", "low, normal, high, or urgent (default normal)")
	submitCmd.Flags().String("working-dir", "", "working directory for the agent subprocess")
	submitCmd.Flags().String("dedup-key", "", "idempotency key; a second submit with the same key returns the existing task")

	listCmd.Flags().String("state", "", "filter by task state")
}

func client(cmd *cobra.Command) *api.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return api.NewClient(addr)
}

// exitCodeFor maps a command's returned error to the exit code contract:
// 0 accepted, 2 validation error, 3 store/daemon unavailable.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Status == http.StatusServiceUnavailable {
			return 3
		}
		return 2
	}
	return 2
}

func printTask(task *types.Task) {
	out, _ := json.MarshalIndent(task, "", "  ")
	fmt.Println(string(out))
}

var submitCmd = &cobra.Command{
	Use:   "submit <command...>",
	Short: "submit a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		class, _ := cmd.Flags().GetString("class")
		priority, _ := cmd.Flags().GetString("priority")
		workingDir, _ := cmd.Flags().GetString("working-dir")
		dedupKey, _ := cmd.Flags().GetString("dedup-key")

		task, err := client(cmd).Submit(orchestrator.SubmitRequest{
			Name:        name,
			Description: description,
			Command:     joinArgs(args),
			Class:       types.TaskClass(class),
			Priority:    types.Priority(priority),
			WorkingDir:  workingDir,
			DedupKey:    dedupKey,
		})
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	},
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list tasks, optionally filtered by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		tasks, err := client(cmd).List(state)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(tasks, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "show a single task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := client(cmd).Show(args[0])
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "cancel a non-terminal task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client(cmd).Cancel(args[0])
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <id>",
	Short: "move a task out of needs_human_review back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client(cmd).Unblock(args[0])
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "pause a pending or processing task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client(cmd).Pause(args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client(cmd).Resume(args[0])
	},
}

var forceResumeCmd = &cobra.Command{
	Use:   "force-resume-rate-limit",
	Short: "operator override: clear the rate-limit arbiter's unavailability immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		return client(cmd).ForceResumeRateLimit()
	},
}
