package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlai/auditchain/internal/audit"
)

// eventsCmd is the parent command for audit event log operations.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query and export the audit event log",
}

func init() {
	eventsCmd.AddCommand(eventsTailCmd)
	eventsCmd.AddCommand(eventsQueryCmd)
	eventsCmd.AddCommand(eventsExportCmd)
}

var (
	eventsFollowMode bool
	eventsTailLimit  int
)

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent events",
	Long:  `Show the most recent audit events. Use -f to follow new events (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.events.Tail(ctx, eventsTailLimit)
		if err != nil {
			return fmt.Errorf("failed to read event log: %w", err)
		}
		// Tail is newest first; print oldest first like tail(1).
		for i := len(events) - 1; i >= 0; i-- {
			printEvent(events[i])
		}

		if eventsFollowMode {
			return a.events.Follow(ctx, time.Second, printEvent)
		}
		return nil
	},
}

func init() {
	eventsTailCmd.Flags().BoolVarP(&eventsFollowMode, "follow", "f", false, "Follow new events")
	eventsTailCmd.Flags().IntVarP(&eventsTailLimit, "limit", "n", 20, "Number of recent events to show")
}

// Event query filter flags.
var (
	eventsQueryType     string
	eventsQueryUser     string
	eventsQueryDocument string
	eventsQuerySince    string
	eventsQueryLimit    int
)

var eventsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query events with filters",
	Long: `Query the event log. --type takes a glob over dot-separated event
types.

Examples:
  auditchain events query --type 'document.*' --since 24h
  auditchain events query --user alice --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.events.Query(ctx, audit.QueryParams{
			Type:     eventsQueryType,
			UserID:   eventsQueryUser,
			Document: eventsQueryDocument,
			Since:    eventsQuerySince,
			Limit:    eventsQueryLimit,
		})
		if err != nil {
			return fmt.Errorf("event query failed: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No matching events found.")
			return nil
		}
		for _, e := range events {
			printEvent(e)
		}
		fmt.Printf("\n%d events found.\n", len(events))
		return nil
	},
}

func init() {
	eventsQueryCmd.Flags().StringVar(&eventsQueryType, "type", "", "Event type glob (e.g. document.*)")
	eventsQueryCmd.Flags().StringVar(&eventsQueryUser, "user", "", "Filter by user id")
	eventsQueryCmd.Flags().StringVar(&eventsQueryDocument, "document", "", "Filter by document id")
	eventsQueryCmd.Flags().StringVar(&eventsQuerySince, "since", "", "Only events since a duration (1h, 24h) or RFC3339 time")
	eventsQueryCmd.Flags().IntVar(&eventsQueryLimit, "limit", 50, "Maximum number of events to return")
}

var eventsExportFormat string

var eventsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the event log",
	Long: `Export every event to stdout in recording order.
Supported formats: csv, json, jsonl.

Example:
  auditchain events export --format csv > events.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.events.Export(ctx, os.Stdout, eventsExportFormat)
	},
}

func init() {
	eventsExportCmd.Flags().StringVar(&eventsExportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

func printEvent(e audit.Event) {
	fmt.Printf("[%s] id=%s type=%-20s user=%-10s doc=%s %s\n",
		e.Timestamp.Format(time.RFC3339), e.ID, e.Type, e.UserID, e.DocumentID, e.Description)
}
