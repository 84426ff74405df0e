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

	"github.com/modelops/canary/internal/api"
)

var (
	// Global flags
	serverURL string
	timeout   time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "canaryctl",
		Short: "Operator CLI for live model experiments",
		Long: `canaryctl drives the experiment lifecycle against a running
server: create, start, stop, inspect, analyze, and fetch final reports.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Server base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// Subcommands
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(monitorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// createCmd registers a new experiment in CREATED status
func createCmd() *cobra.Command {
	var (
		name         string
		baseline     string
		candidate    string
		split        float64
		duration     time.Duration
		minSamples   int
		significance float64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an experiment (does not shift traffic yet)",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := api.ExperimentParams{
				Name:              name,
				BaselineModel:     baseline,
				CandidateModel:    candidate,
				TrafficSplit:      split,
				Duration:          duration,
				MinSamples:        minSamples,
				SignificanceLevel: significance,
			}
			return doJSON(http.MethodPost, "/v1/experiments", params)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Experiment name (required)")
	cmd.Flags().StringVar(&baseline, "baseline", "", "Baseline model id (required)")
	cmd.Flags().StringVar(&candidate, "candidate", "", "Candidate model id (required)")
	cmd.Flags().Float64Var(&split, "split", 0.1, "Candidate traffic fraction in [0,1]")
	cmd.Flags().DurationVar(&duration, "duration", 24*time.Hour, "Scheduled experiment duration")
	cmd.Flags().IntVar(&minSamples, "min-samples", 100, "Minimum samples per arm before testing")
	cmd.Flags().Float64Var(&significance, "significance", 0.05, "Significance level for the tests")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("baseline")
	cmd.MarkFlagRequired("candidate")

	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <experiment-id>",
		Short: "Apply the weighted route and begin the experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(http.MethodPost, "/v1/experiments/"+args[0]+"/start", nil)
		},
	}
}

func stopCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "stop <experiment-id>",
		Short: "Restore full baseline traffic and finalize the experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reason": reason}
			return doJSON(http.MethodPost, "/v1/experiments/"+args[0]+"/stop", body)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual stop", "Recorded stop reason")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <experiment-id>",
		Short: "Show the experiment record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(http.MethodGet, "/v1/experiments/"+args[0], nil)
		},
	}
}

func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <experiment-id>",
		Short: "Run a fresh statistical analysis over collected outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(http.MethodGet, "/v1/experiments/"+args[0]+"/analysis", nil)
		},
	}
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <experiment-id>",
		Short: "Fetch the final report of a finished experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(http.MethodGet, "/v1/experiments/"+args[0]+"/report", nil)
		},
	}
}

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Trigger one monitoring pass over all running experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(http.MethodPost, "/v1/monitor/tick", nil)
		},
	}
}

// doJSON performs one request against the server and pretty-prints the
// JSON response to stdout. Non-2xx responses become errors carrying the
// server's message.
func doJSON(method, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("server returned %s: %s", resp.Status, errResp.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
