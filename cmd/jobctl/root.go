package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/SirClappington/imagejobs/internal/client"
	"github.com/SirClappington/imagejobs/internal/domain"
)

var (
	apiURL  string
	timeout time.Duration
	asJSON  bool

	api *client.Client
)

var rootCmd = &cobra.Command{
	Use:           "jobctl",
	Short:         "Operate imagejobs pipelines",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		if apiURL == "" {
			apiURL = os.Getenv("IMAGEJOBS_API_URL")
		}
		api = client.New(apiURL, timeout)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (default $IMAGEJOBS_API_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(createCmd, getCmd, listCmd, itemsCmd)
	for _, action := range []string{"resume", "pause", "cancel", "requeue", "restart"} {
		rootCmd.AddCommand(actionCmd(action))
	}
}

func printJob(w io.Writer, j *domain.Job) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	}
	fmt.Fprintf(w, "Job: %s\n", j.ID)
	fmt.Fprintf(w, "  Type: %s\n", j.Type)
	fmt.Fprintf(w, "  Status: %s\n", j.Status)
	fmt.Fprintf(w, "  Progress: %d/%d (%d failed)\n", j.ProgressDone, j.ProgressTotal, j.ProgressFailed)
	fmt.Fprintf(w, "  Message: %s\n", j.ProgressMessage)
	if j.StartedAt != nil {
		fmt.Fprintf(w, "  Started: %s\n", j.StartedAt.Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", j.CompletedAt.Format(time.RFC3339))
	}
	return nil
}
