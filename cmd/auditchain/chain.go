package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ctrlai/auditchain/internal/audit"
	"github.com/ctrlai/auditchain/internal/chain"
)

// Flags for `auditchain record`.
var (
	recordID          string
	recordType        string
	recordUser        string
	recordDocument    string
	recordPath        string
	recordDescription string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record and chain one audit event",
	Long: `Store an audit event and append it to the hash chain.

Example:
  auditchain record --type document.update --user alice --document d-42 \
    --description "changed retention policy"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.events.Record(ctx, audit.Event{
			ID:          recordID,
			Type:        recordType,
			UserID:      recordUser,
			DocumentID:  recordDocument,
			RequestPath: recordPath,
			Description: recordDescription,
		})
		if err != nil {
			return err
		}
		if err := a.chain.ProcessEvent(ctx, e); err != nil {
			return fmt.Errorf("event %s recorded but not chained (run 'auditchain backfill'): %w", e.ID, err)
		}

		rec, _, err := a.chain.Link(ctx, e.ID)
		if err != nil {
			return err
		}
		printEvent(e)
		printRecord(rec)
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordID, "id", "", "Audit id (default: random UUID)")
	recordCmd.Flags().StringVar(&recordType, "type", "", "Event type, e.g. document.read (required)")
	recordCmd.Flags().StringVar(&recordUser, "user", "", "Acting user id")
	recordCmd.Flags().StringVar(&recordDocument, "document", "", "Affected document id")
	recordCmd.Flags().StringVar(&recordPath, "path", "", "Request path")
	recordCmd.Flags().StringVar(&recordDescription, "description", "", "Free-form description")
	recordCmd.MarkFlagRequired("type")
}

var backfillResetClaims bool

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Chain recorded events that have no link yet",
	Long: `Append every recorded event without a link to the chain, in recording
order. Events already chained are skipped. Use this after a process
recorded events but failed before chaining them.

Backfill is safe to run next to 'auditchain serve': an event that another
process is chaining at the same moment is claimed by that process and
skipped here.

An event whose claim outlived a crashed process stays unchained and is
listed at the end. --reset-claims drops those claims first. Only use it
when no other process could still be chaining them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		pending, err := unchained(ctx, a)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("Every recorded event is chained.")
			return nil
		}

		if backfillResetClaims {
			for _, e := range pending {
				dropped, err := a.claims.Reset(ctx, e.ID)
				if err != nil {
					return err
				}
				if dropped {
					fmt.Printf("Reset claim on %s\n", e.ID)
				}
			}
		}

		if err := a.chain.Append(ctx, pending); err != nil {
			return err
		}

		left, err := unchained(ctx, a)
		if err != nil {
			return err
		}
		fmt.Printf("Chained %d events.\n", len(pending)-len(left))
		for _, e := range left {
			fmt.Printf("  %s is claimed by another process and still unchained\n", e.ID)
		}
		return nil
	},
}

func init() {
	backfillCmd.Flags().BoolVar(&backfillResetClaims, "reset-claims", false,
		"Drop stale claims on unchained events before appending")
}

// unchained returns recorded events without a stored link, in recording
// order.
func unchained(ctx context.Context, a *app) ([]audit.Event, error) {
	events, err := a.events.All(ctx)
	if err != nil {
		return nil, err
	}
	var pending []audit.Event
	for _, e := range events {
		_, ok, err := a.chain.Link(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

var verifyJSON bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the whole hash chain",
	Long: `Walk the chain from the durable head back to the root, recomputing
every link from the stored parent link and the event's current content.
Exits non-zero if the chain is broken or a chained event is missing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.chain.Verify(ctx)
		var ie *chain.IntegrityError
		if err != nil && !errors.As(err, &ie) {
			return fmt.Errorf("verification failed: %w", err)
		}

		if verifyJSON {
			out := map[string]any{"report": report}
			if ie != nil {
				out["integrity_fault"] = ie.AuditID
			}
			if err := writeIndentedJSON(out); err != nil {
				return err
			}
		} else {
			switch {
			case ie != nil:
				fmt.Printf("[auditchain] INTEGRITY FAULT: event %s is chained but missing from the audit log\n", ie.AuditID)
			case report.Valid:
				fmt.Printf("[auditchain] Hash chain VALID (%d links verified)\n", report.LinksChecked)
			default:
				fmt.Printf("[auditchain] Hash chain BROKEN at %s: %s\n", report.BrokenAt, report.Reason)
				if report.ExpectedHash != "" {
					fmt.Printf("  Expected hash: %s\n", report.ExpectedHash)
					fmt.Printf("  Actual hash:   %s\n", report.ActualHash)
				}
			}
		}

		if ie != nil {
			return err
		}
		if !report.Valid {
			return fmt.Errorf("hash chain integrity violation detected")
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the verification report as JSON")
}

var verifyEventCmd = &cobra.Command{
	Use:   "verify-event <audit-id>",
	Short: "Verify one event against its link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		e, found, err := a.events.GetEvent(ctx, args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("audit event %s not found", args[0])
		}
		if !a.chain.VerifyEvent(ctx, e) {
			fmt.Printf("[auditchain] Event %s FAILED verification\n", e.ID)
			return fmt.Errorf("event %s does not match its link", e.ID)
		}
		fmt.Printf("[auditchain] Event %s verified\n", e.ID)
		return nil
	},
}

var headCmd = &cobra.Command{
	Use:   "head",
	Short: "Show the shared head and the durable head snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		return printHeads(ctx, a.chain)
	},
}

func printHeads(ctx context.Context, svc *chain.Service) error {
	head, ok, err := svc.Head(ctx)
	if err != nil {
		return err
	}
	fmt.Print("Shared head:  ")
	if ok {
		printRecord(head)
	} else {
		fmt.Println("(unset)")
	}

	durable, ok, err := svc.DurableHead(ctx)
	if err != nil {
		return err
	}
	fmt.Print("Durable head: ")
	if ok {
		printRecord(durable)
	} else {
		fmt.Println("(none)")
	}
	return nil
}

var linkCmd = &cobra.Command{
	Use:   "link <audit-id>",
	Short: "Show one stored link ('root' for the root)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, ok, err := a.chain.Link(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no link stored for %s", args[0])
		}
		printRecord(rec)
		return nil
	},
}

func printRecord(r chain.Record) {
	parent := r.ParentID
	if r.IsRoot() {
		parent = "-"
	}
	fmt.Printf("link=%s seq=%d parent=%s hash=%s\n", r.AuditID, r.Seq, parent, r.LinkHash)
}

func writeIndentedJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
