package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEKXH/ccapproval/internal/config"
	"github.com/MEKXH/ccapproval/internal/session"
)

// NewSessionsCmd creates the sessions command group.
func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage session thread mappings",
	}
	cmd.AddCommand(newSessionsListCmd(), newSessionsDeleteCmd(), newSessionsPruneCmd())
	return cmd
}

func openSessionStore() (*session.Store, *config.Config, error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = session.DefaultDataDir()
	}
	return session.NewStore(dataDir), cfg, nil
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List session threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openSessionStore()
			if err != nil {
				return err
			}
			threads, err := store.GetAll()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(threads) == 0 {
				fmt.Fprintf(out, "No sessions in %s\n", store.Path())
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tCHANNEL\tTHREAD\tSTATUS\tUPDATED")
			for _, t := range threads {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.SessionID, t.ChannelID, t.ThreadTS, t.Status, t.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session thread mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openSessionStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		},
	}
}

func newSessionsPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete session mappings not updated recently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openSessionStore()
			if err != nil {
				return err
			}
			age := olderThan
			if age <= 0 {
				age = cfg.Maintenance.SessionRetention
			}
			removed, err := store.Prune(age, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d session(s) older than %s\n", len(removed), age)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff (default maintenance.session_retention)")
	return cmd
}
