package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/uztelco/dispatch/internal/access"
	"github.com/uztelco/dispatch/internal/config"
	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
	"github.com/uztelco/dispatch/internal/permissions"
	"github.com/uztelco/dispatch/internal/recovery"
	"github.com/uztelco/dispatch/internal/state"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative operations",
	Long:  `Operator commands: stuck-workflow detection and recovery, inventory reconciliation, health reporting and the notification retry queue.`,
}

var (
	recoverTargetRole string
	recoverAssignee   int64
	recoverNote       string
	recoverAdminID    int64
)

var detectStuckCmd = &cobra.Command{
	Use:   "detect-stuck",
	Short: "List workflows idle past their threshold",
	RunE: func(_ *cobra.Command, _ []string) error {
		svc, err := buildServices(cfg)
		if err != nil {
			return err
		}
		defer svc.close()

		stuck, err := svc.recovery.DetectStuck()
		if err != nil {
			return err
		}
		if len(stuck) == 0 {
			fmt.Println("no stuck workflows")
			return nil
		}
		fmt.Printf("%-38s %-20s %-14s %-10s %s\n",
			"REQUEST", "WORKFLOW", "ROLE", "STUCK", "DESCRIPTION")
		for _, s := range stuck {
			fmt.Printf("%-38s %-20s %-14s %-10s %s\n",
				s.RequestID, s.WorkflowType, s.CurrentRole,
				fmtHours(s.StuckFor), s.DescriptionSnippet)
		}
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <request-id> <option>",
	Short: "Apply a recovery action to a stuck workflow",
	Long: `Apply one of force_transition, reset_to_previous_state,
complete_workflow or reassign_role to a request. force_transition needs
--target-role, reassign_role needs --assignee.`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		requestID, opt := args[0], recovery.Option(args[1])

		svc, err := buildServices(cfg)
		if err != nil {
			return err
		}
		defer svc.close()

		// Recovery escalations notify the receiving role; run the
		// dispatcher for the duration of the command.
		ctx, cancel := context.WithCancel(context.Background())
		go svc.dispatcher.Run(ctx)

		err = svc.recovery.Recover(requestID, opt, recoverAdminID,
			request.Role(recoverTargetRole), recoverAssignee, recoverNote)
		cancel()
		svc.dispatcher.Wait()
		if err != nil {
			return adminExitError(err)
		}
		fmt.Printf("recovery %s applied to %s\n", opt, requestID)
		return nil
	},
}

var reconcileInventoryCmd = &cobra.Command{
	Use:   "reconcile-inventory",
	Short: "Reconcile warehouse stock against completed requests",
	RunE: func(_ *cobra.Command, _ []string) error {
		svc, err := buildServices(cfg)
		if err != nil {
			return err
		}
		defer svc.close()

		discrepancies, err := svc.inventory.Reconcile(sqlite.NewRequestRepo(svc.db.Conn()))
		if err != nil {
			return err
		}
		if len(discrepancies) == 0 {
			fmt.Println("inventory reconciled, no discrepancies")
			return nil
		}
		fmt.Printf("%-30s %10s %10s\n", "ITEM", "DOCUMENTED", "MOVED")
		for _, d := range discrepancies {
			fmt.Printf("%-30s %10d %10d\n", d.Item, d.Documented, d.Moved)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the system health report",
	RunE: func(_ *cobra.Command, _ []string) error {
		svc, err := buildServices(cfg)
		if err != nil {
			return err
		}
		defer svc.close()

		report, err := svc.recovery.Health()
		if err != nil {
			return err
		}
		fmt.Printf("verdict:          %s\n", report.Verdict)
		fmt.Printf("active requests:  %d\n", report.ActiveRequests)
		fmt.Printf("active txns:      %d\n", report.ActiveTxns)
		fmt.Printf("stuck workflows:  %d\n", report.StuckRequests)
		fmt.Printf("pending retries:  %d\n", report.PendingRetries)
		fmt.Printf("flagged retries:  %d\n", report.FlaggedRetries)
		if len(report.ErrorCounts) > 0 {
			fmt.Println("errors (24h):")
			for sev, n := range report.ErrorCounts {
				fmt.Printf("  %-10s %d\n", sev, n)
			}
		}
		return nil
	},
}

var showRetriesCmd = &cobra.Command{
	Use:   "show-retries",
	Short: "Show the notification retry queue",
	RunE: func(_ *cobra.Command, _ []string) error {
		svc, err := buildServices(cfg)
		if err != nil {
			return err
		}
		defer svc.close()

		pending, err := svc.retryRepo.ListPending(100)
		if err != nil {
			return err
		}
		flagged, err := svc.retryRepo.ListFlagged()
		if err != nil {
			return err
		}

		fmt.Printf("pending: %d  flagged for review: %d\n", len(pending), len(flagged))
		printRetries("PENDING", pending)
		printRetries("FLAGGED", flagged)
		return nil
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a commented default config file",
	RunE: func(_ *cobra.Command, _ []string) error {
		path := configPath()
		if err := config.WriteDefaultConfig(path); err != nil {
			return exitErrorf(ExitInvalidArgs, "%v", err)
		}
		fmt.Println("config written to", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(detectStuckCmd, recoverCmd, reconcileInventoryCmd,
		healthCmd, showRetriesCmd, initConfigCmd)

	recoverCmd.Flags().StringVar(&recoverTargetRole, "target-role", "",
		"role to move the request to (force_transition)")
	recoverCmd.Flags().Int64Var(&recoverAssignee, "assignee", 0,
		"user to hand the request to (reassign_role)")
	recoverCmd.Flags().StringVar(&recoverNote, "note", "",
		"feedback note (complete_workflow)")
	recoverCmd.Flags().Int64Var(&recoverAdminID, "admin", 0,
		"acting admin user id")
}

// adminExitError maps domain errors onto the operations channel exit codes.
func adminExitError(err error) error {
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		return exitErrorf(ExitNotFound, "%v", err)
	case errors.Is(err, access.ErrWrongTurn) || errors.Is(err, permissions.ErrNotPermitted):
		return exitErrorf(ExitPermissionDenied, "%v", err)
	case errors.Is(err, recovery.ErrUnknownOption),
		errors.Is(err, recovery.ErrNoPriorState),
		errors.Is(err, state.ErrTerminalRequest):
		return exitErrorf(ExitInvalidArgs, "%v", err)
	default:
		return err
	}
}

func fmtHours(d time.Duration) string {
	return fmt.Sprintf("%.1fh", d.Hours())
}

func printRetries(label string, entries []*notification.Retry) {
	if len(entries) == 0 {
		return
	}
	fmt.Printf("\n%s\n", label)
	fmt.Printf("%-6s %-38s %-26s %-8s %-20s %s\n",
		"ID", "REQUEST", "KIND", "ATTEMPT", "NEXT", "LAST ERROR")
	for _, e := range entries {
		next := "-"
		if !e.NeedsReview {
			next = e.NextRetryAt.Format(time.RFC3339)
		}
		fmt.Printf("%-6d %-38s %-26s %-8d %-20s %s\n",
			e.ID, e.RequestID, e.Kind, e.RetryCount, next, e.LastError)
	}
}
