package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tripcache/internal/tripcache"
)

var replayTag string

func init() {
	replayCmd.Flags().StringVar(&replayTag, "tag", "", "sync tag (defaults to sync.tag)")
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay queued writes against the origin once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *tripcache.Service) error {
			tag := replayTag
			if tag == "" {
				tag = svc.Config().Sync.Tag
			}
			rep, err := svc.Replayer().HandleSync(ctx, tag)
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d succeeded=%d failed=%d deferred=%d dead=%d remaining=%d\n",
				rep.Attempted, rep.Succeeded, rep.Failed, rep.Deferred, rep.DeadLettered, rep.Remaining)
			return err
		})
	},
}
