package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
)

var (
	createCtx   []string
	createRefs  []string
	createStart bool

	listStatus []string
	listType   string
	listLimit  int

	itemsStatus string
)

var createCmd = &cobra.Command{
	Use:   "create <type>",
	Short: "Create a job",
	Long: `Create a job of the given type.

Examples:
  jobctl create scrape-source --ctx source_url=https://example.com/listing --start
  jobctl create organize-items --ctx 'categories=["portrait","landscape"]' --ref s3://b/a.jpg --start`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values := domain.Values{}
		for _, kv := range createCtx {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("--ctx %q: want key=value", kv)
			}
			values[k] = v
		}
		id, err := api.Create(cmd.Context(), engine.CreateRequest{
			Type:    domain.Type(args[0]),
			Context: values,
			Refs:    createRefs,
			Start:   createStart,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := api.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJob(cmd.OutOrStdout(), job)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := api.List(cmd.Context(), listStatus, listType, listLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return json.NewEncoder(out).Encode(jobs)
		}
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No jobs found")
			return nil
		}
		fmt.Fprintf(out, "%-36s %-20s %-10s %-10s %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "MESSAGE")
		for _, j := range jobs {
			progress := fmt.Sprintf("%d/%d", j.ProgressDone+j.ProgressFailed, j.ProgressTotal)
			fmt.Fprintf(out, "%-36s %-20s %-10s %-10s %s\n", j.ID, j.Type, j.Status, progress, j.ProgressMessage)
		}
		return nil
	},
}

var itemsCmd = &cobra.Command{
	Use:   "items <job-id>",
	Short: "List a job's items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := api.Items(cmd.Context(), args[0], itemsStatus)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return json.NewEncoder(out).Encode(items)
		}
		for _, it := range items {
			fmt.Fprintf(out, "%-36s %-8s %d  %s", it.ID, it.Status, it.Attempts, it.Ref)
			if it.LastError != "" {
				fmt.Fprintf(out, "  (%s)", it.LastError)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func actionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <job-id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := api.Action(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), job)
		},
	}
}

func init() {
	createCmd.Flags().StringArrayVar(&createCtx, "ctx", nil, "context entry key=value (repeatable)")
	createCmd.Flags().StringArrayVar(&createRefs, "ref", nil, "image reference (repeatable)")
	createCmd.Flags().BoolVar(&createStart, "start", false, "start the job immediately")

	listCmd.Flags().StringArrayVar(&listStatus, "status", nil, "filter by status (repeatable)")
	listCmd.Flags().StringVar(&listType, "type", "", "filter by job type")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum jobs to list")

	itemsCmd.Flags().StringVar(&itemsStatus, "status", "", "filter by item status")
}
