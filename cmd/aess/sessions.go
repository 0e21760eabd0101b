package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/ashureev/aess/internal/store"
	"github.com/spf13/cobra"
)

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune login sessions",
	}
	cmd.AddCommand(newSessionsListCommand(), newSessionsPurgeCommand())
	return cmd
}

func openRepo() (store.Repository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.NewSQLite(cfg.DBPath)
}

func newSessionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active sessions, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			sessions, err := repo.ListAuthSessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tUSER\tROLE\tCREATED\tLAST ACTIVITY")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					s.Token, s.Identity, s.Role,
					s.CreatedAt.Format(time.RFC3339), s.LastActivityAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newSessionsPurgeCommand() *cobra.Command {
	var idle, retention time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sessions idle longer than --idle and orphaned conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if idle <= 0 {
				return fmt.Errorf("--idle must be > 0")
			}
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()
			return purge(cmd.Context(), cmd, repo, idle, retention)
		},
	}
	cmd.Flags().DurationVar(&idle, "idle", 24*time.Hour, "remove sessions inactive for longer than this")
	cmd.Flags().DurationVar(&retention, "retention", 0, "also remove orphaned conversations untouched for longer than this")
	return cmd
}

func purge(ctx context.Context, cmd *cobra.Command, repo store.Repository, idle, retention time.Duration) error {
	n, err := repo.DeleteIdleAuthSessions(ctx, idle)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d idle sessions\n", n)
	if retention > 0 {
		n, err := repo.DeleteOrphanConversations(ctx, retention)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned conversations\n", n)
	}
	return nil
}
