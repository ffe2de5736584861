package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
)

var (
	queueListStatus  string
	queueListLimit   int
	queueListAccount string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Request queue management commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests in the queue",
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <request_id>",
	Short: "Cancel a queued request",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCancel,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (queued, processing, completed, failed, cancelled)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of requests to show")
	queueListCmd.Flags().StringVar(&queueListAccount, "account", "", "Filter by account id")

	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueCancelCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	requests := repository.NewRequestRepository(database.DB)

	filter := models.RequestListFilter{
		Status:    models.RequestStatus(queueListStatus),
		AccountID: queueListAccount,
		Limit:     queueListLimit,
	}

	rows, err := requests.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list requests: %w", err)
	}

	if len(rows) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tACTION\tACCOUNT\tPRIORITY\tATTEMPTS\tPROCESS AFTER")
	fmt.Fprintln(w, "--\t------\t------\t-------\t--------\t--------\t-------------")

	for _, req := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n",
			truncateID(req.ID),
			req.Status,
			req.Action,
			req.AccountID,
			req.Priority,
			req.Attempts,
			req.MaxAttempts,
			req.ProcessAfter.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d requests\n", len(rows))

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	requests := repository.NewRequestRepository(database.DB)
	stats, err := requests.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Printf("  Queued:     %d\n", stats.Queued)
	fmt.Printf("  Processing: %d\n", stats.Processing)
	fmt.Printf("  Completed:  %d\n", stats.Completed)
	fmt.Printf("  Failed:     %d\n", stats.Failed)
	fmt.Printf("  Cancelled:  %d\n", stats.Cancelled)
	fmt.Printf("  Total:      %d\n", stats.Total)

	return nil
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	requests := repository.NewRequestRepository(database.DB)
	cancelled, err := requests.Cancel(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to cancel request: %w", err)
	}
	if !cancelled {
		return fmt.Errorf("request not found or no longer queued: %s", args[0])
	}

	fmt.Printf("Request cancelled: %s\n", args[0])
	return nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
