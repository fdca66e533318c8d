// Package main implements the luma CLI for manual operations against the
// lumad HTTP server: submitting runs, watching their state and delivering
// approval decisions.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the lumad HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "luma",
	Short: "CLI for the luma pipeline daemon",
	Long: `luma is a command-line interface for the lumad HTTP server.
It submits change requests, inspects runs and delivers approval decisions.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8088", "lumad server URL")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(deferCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(healthCmd)

	submitCmd.Flags().StringVar(&submitOwner, "owner", "", "repository owner")
	submitCmd.Flags().StringVar(&submitRepo, "repo", "", "repository name")
	submitCmd.Flags().StringVar(&submitBranch, "branch", "", "feature branch for the change")
	submitCmd.Flags().StringVar(&submitBase, "base", "main", "base branch pull requests merge into")
	_ = submitCmd.MarkFlagRequired("owner")
	_ = submitCmd.MarkFlagRequired("repo")
	_ = submitCmd.MarkFlagRequired("branch")

	approveCmd.Flags().StringVar(&decisionComment, "comment", "", "reviewer comment")
	rejectCmd.Flags().StringVar(&decisionComment, "comment", "", "reviewer comment")
	deferCmd.Flags().StringVar(&decisionComment, "comment", "", "reviewer comment")
	cancelCmd.Flags().StringVar(&cancelCause, "cause", "", "cancellation cause")
}

var (
	submitOwner     string
	submitRepo      string
	submitBranch    string
	submitBase      string
	decisionComment string
	cancelCause     string
)

var submitCmd = &cobra.Command{
	Use:   "submit <requirement>",
	Short: "Submit a change request as a new pipeline run",
	Long: `Submit a change request as a new pipeline run.

Examples:
  # Submit a change against a feature branch
  luma submit --owner lumaforge --repo tetris-battle --branch feat/issue-12-pause "Add pause support"

  # Read the requirement from stdin
  cat requirement.md | luma submit --owner o --repo r --branch b -`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered runs",
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's registry entry and live pipeline state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var approveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Approve a run waiting at the approval checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  decisionRunE("approved"),
}

var rejectCmd = &cobra.Command{
	Use:   "reject <run-id>",
	Short: "Reject a run waiting at the approval checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  decisionRunE("rejected"),
}

var deferCmd = &cobra.Command{
	Use:   "defer <run-id>",
	Short: "Defer the decision, keeping the run at the checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  decisionRunE("deferred"),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a queued or running run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check lumad server health",
	RunE:  runHealth,
}

// SubmitRequest matches internal/httpapi/server.go SubmitRequest
type SubmitRequest struct {
	Requirement string `json:"requirement"`
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	Branch      string `json:"branch"`
	BaseBranch  string `json:"base_branch"`
}

// DecisionRequest matches internal/httpapi/server.go DecisionRequest
type DecisionRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

// CancelRequest matches internal/httpapi/server.go CancelRequest
type CancelRequest struct {
	Cause string `json:"cause"`
}

// RunView is the subset of the server's run response the CLI displays.
type RunView struct {
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Task      struct {
		Requirement string `json:"requirement"`
		IssueNumber int    `json:"issue_number,omitempty"`
		Target      struct {
			Owner  string `json:"owner"`
			Repo   string `json:"repo"`
			Branch string `json:"branch"`
		} `json:"target"`
	} `json:"task"`
	Snapshot *struct {
		State      string `json:"state"`
		Retries    int    `json:"retries"`
		MaxRetries int    `json:"max_retries"`
		Reason     string `json:"reason,omitempty"`
	} `json:"snapshot,omitempty"`
}

// HealthResponse matches internal/httpapi/server.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	requirement := args[0]
	if requirement == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		requirement = string(data)
	}
	if requirement == "" {
		return fmt.Errorf("requirement cannot be empty")
	}

	body, err := postJSON("/api/v1/runs", SubmitRequest{
		Requirement: requirement,
		Owner:       submitOwner,
		Repo:        submitRepo,
		Branch:      submitBranch,
		BaseBranch:  submitBase,
	}, http.StatusCreated)
	if err != nil {
		return err
	}

	var run RunView
	if err := json.Unmarshal(body, &run); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	fmt.Printf("run %s submitted (%s)\n", run.RunID, run.Phase)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	body, err := getJSON("/api/v1/runs")
	if err != nil {
		return err
	}

	var runs []RunView
	if err := json.Unmarshal(body, &runs); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return nil
	}
	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "-"
		}
		fmt.Printf("%s  %-9s %-10s %s/%s %s\n",
			r.RunID, r.Phase, outcome,
			r.Task.Target.Owner, r.Task.Target.Repo, r.Task.Target.Branch)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	body, err := getJSON("/api/v1/runs/" + args[0])
	if err != nil {
		return err
	}

	var run RunView
	if err := json.Unmarshal(body, &run); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("run:     %s\n", run.RunID)
	fmt.Printf("phase:   %s\n", run.Phase)
	if run.Outcome != "" {
		fmt.Printf("outcome: %s\n", run.Outcome)
	}
	fmt.Printf("target:  %s/%s %s\n",
		run.Task.Target.Owner, run.Task.Target.Repo, run.Task.Target.Branch)
	if run.Task.IssueNumber > 0 {
		fmt.Printf("issue:   #%d\n", run.Task.IssueNumber)
	}
	if run.Snapshot != nil {
		fmt.Printf("state:   %s (retries %d/%d)\n",
			run.Snapshot.State, run.Snapshot.Retries, run.Snapshot.MaxRetries)
		if run.Snapshot.Reason != "" {
			fmt.Printf("reason:  %s\n", run.Snapshot.Reason)
		}
	}
	return nil
}

func decisionRunE(decision string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		_, err := postJSON("/api/v1/runs/"+args[0]+"/decision", DecisionRequest{
			Decision: decision,
			Comment:  decisionComment,
		}, http.StatusAccepted)
		if err != nil {
			return err
		}
		fmt.Printf("decision %q delivered to run %s\n", decision, args[0])
		return nil
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	_, err := postJSON("/api/v1/runs/"+args[0]+"/cancel", CancelRequest{Cause: cancelCause}, http.StatusAccepted)
	if err != nil {
		return err
	}
	fmt.Printf("run %s canceled\n", args[0])
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	body, err := getJSON("/health")
	if err != nil {
		return err
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	fmt.Printf("server status: %s\n", health.Status)
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func postJSON(path string, payload any, wantStatus int) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := httpClient().Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server at %s: %w", serverURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}
	return body, nil
}

func getJSON(path string) ([]byte, error) {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server at %s: %w", serverURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}
	return body, nil
}
