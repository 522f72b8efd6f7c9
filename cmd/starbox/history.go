package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/starbox/internal/storage"
)

var (
	statusFilter string
	digestFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"runs"},
	Short:   "Inspect past script runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's script and result",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

var historyExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown, JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryExport,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd, historyExportCmd)

	historyListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (success, failure, fault)")
	historyListCmd.Flags().StringVar(&digestFilter, "digest", "", "Only runs of the script with this digest")
	historyListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	historyExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or yaml")
	historyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	historyDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	store, err := openHistory(cfg)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("history is disabled (storage.history: false)")
	}
	return store, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), storage.RunListOptions{
		Status: storage.RunStatus(statusFilter),
		Digest: digestFilter,
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-8s %-9s %-6s %-10s %-34s %s\n", "ID", "STATUS", "RUNTIME", "SOURCE", "DURATION", "SCRIPT", "WHEN")
	fmt.Println(strings.Repeat("─", 100))

	for _, r := range runs {
		fmt.Printf("%-10s %-8s %-9s %-6s %-10s %-34s %s\n",
			r.ID[:8], r.Status, r.Runtime, r.Source, r.Duration.Round(time.Millisecond),
			truncate(firstLine(r.Script), 32), humanize.Time(r.CreatedAt))
	}

	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", r.ID)
	fmt.Printf("Status:   %s\n", r.Status)
	if r.Kind != "" {
		fmt.Printf("Kind:     %s\n", r.Kind)
	}
	fmt.Printf("Runtime:  %s\n", r.Runtime)
	if r.Source != "" {
		fmt.Printf("Source:   %s\n", r.Source)
	}
	fmt.Printf("Digest:   %s\n", r.Digest)
	fmt.Printf("Created:  %s (%s)\n", r.CreatedAt.Format(time.RFC3339), humanize.Time(r.CreatedAt))
	fmt.Printf("Duration: %s\n", r.Duration)
	for _, g := range r.Grants {
		fmt.Printf("Mount:    %s\n", g)
	}

	fmt.Printf("\nScript (%s):\n", humanize.Bytes(uint64(len(r.Script))))
	fmt.Println(strings.Repeat("─", 60))
	fmt.Println(strings.TrimRight(r.Script, "\n"))
	fmt.Println(strings.Repeat("─", 60))

	if r.Status == storage.StatusSuccess {
		fmt.Printf("Output: %s\n", r.Output)
	} else {
		fmt.Printf("\033[31mError: %s\033[0m\n", r.Message)
	}
	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	r, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete run %s - %q? [y/N] ", r.ID[:8], truncate(firstLine(r.Script), 40))
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteRun(ctx, r.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", r.ID[:8])
	return nil
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	output, err := exportRun(r, exportFormat)
	if err != nil {
		return err
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func exportRun(r *storage.Run, format string) (string, error) {
	switch format {
	case "json":
		data, err := storage.ExportJSON(r)
		if err != nil {
			return "", err
		}
		return string(data) + "\n", nil
	case "yaml", "yml":
		data, err := storage.ExportYAML(r)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case "md", "markdown":
		return storage.ExportMarkdown(r), nil
	default:
		return "", fmt.Errorf("unknown export format %q (want md, json or yaml)", format)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
