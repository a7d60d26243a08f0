package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tripcache/internal/tripcache"
)

var (
	queueDead bool
	queueID   string
)

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueDead, "dead", false, "operate on the dead-letter keyspace")
	queueAddCmd.Flags().StringVar(&queueID, "id", "", "record id (generated when empty)")
	queueCmd.AddCommand(queueListCmd, queueAddCmd, queueRemoveCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the pending-write queue",
}

// withService opens the stores without installing or serving. The server
// must not be running: leveldb allows a single process.
func withService(fn func(ctx context.Context, svc *tripcache.Service) error) error {
	cfg, log, err := load()
	if err != nil {
		return err
	}
	defer log.Sync()
	svc, err := tripcache.NewService(cfg, tripcache.WithLogger(log))
	if err != nil {
		return err
	}
	defer svc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return fn(ctx, svc)
}

func pickQueue(svc *tripcache.Service) *tripcache.Queue {
	if queueDead {
		return svc.DeadLetters()
	}
	return svc.Queue()
}

var queueListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queued writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *tripcache.Service) error {
			recs, err := pickQueue(svc).ListAll(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTAG\tQUEUED\tATTEMPTS\tLAST ERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Tag,
					time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339), r.Attempts, r.LastError)
			}
			return tw.Flush()
		})
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <json>",
	Short: "Queue a write for the next sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *tripcache.Service) error {
			rec, err := pickQueue(svc).Enqueue(ctx, tripcache.PendingWrite{
				ID:   queueID,
				Data: json.RawMessage(args[0]),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
			return nil
		})
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Remove queued writes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *tripcache.Service) error {
			q := pickQueue(svc)
			for _, id := range args {
				if err := q.DeleteByID(ctx, id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return nil
		})
	},
}
