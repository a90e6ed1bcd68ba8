package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tradedesk/internal/middleware"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmdContext(cmd))
		if err != nil {
			return err
		}
		defer a.Shutdown(context.Background())
		if err := a.Migrate(); err != nil {
			return err
		}
		a.Logger.Info("database migration completed")
		return nil
	},
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect and trigger scheduled jobs",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered jobs and their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmdContext(cmd))
		if err != nil {
			return err
		}
		defer a.Shutdown(context.Background())
		health, err := a.Cron.Health(cmdContext(cmd))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tEXPRESSION\tSTATUS\tLAST RUN")
		for _, j := range health.Jobs {
			last := "-"
			if j.LastRunAt != nil {
				last = j.LastRunAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.Name, j.Expression, j.Status, last)
		}
		fmt.Fprintf(w, "\noverall: %s (threshold %s)\n", health.Status, health.Threshold)
		return w.Flush()
	},
}

var cronTriggerCmd = &cobra.Command{
	Use:   "trigger <job>",
	Short: "Run a job once, synchronously",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmdContext(cmd))
		if err != nil {
			return err
		}
		defer a.Shutdown(context.Background())
		if err := a.Cron.Trigger(cmdContext(cmd), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s completed\n", args[0])
		return nil
	},
}

var (
	cleanupDays    int
	cleanupConfirm string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Manage the automation execution log",
}

var logsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete execution logs older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmdContext(cmd))
		if err != nil {
			return err
		}
		defer a.Shutdown(context.Background())
		deleted, days, err := a.Logs.Cleanup(cmdContext(cmd), cleanupDays, cleanupConfirm, 0)
		if err != nil {
			return err
		}
		out, _ := json.Marshal(map[string]interface{}{"deletedCount": deleted, "retentionDays": days})
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var (
	tokenUserID uint
	tokenEmail  string
	tokenRoles  []string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token signed with jwt.secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.JWT.ExpiresIn
		}
		token, err := middleware.IssueToken(cfg.JWT.Secret, tokenUserID, tokenEmail, tokenRoles, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	logsCleanupCmd.Flags().IntVar(&cleanupDays, "days", 90, "retention period in days (1-3650)")
	logsCleanupCmd.Flags().StringVar(&cleanupConfirm, "confirm", "", "confirmation phrase")
	_ = logsCleanupCmd.MarkFlagRequired("confirm")
	logsCmd.AddCommand(logsCleanupCmd)

	cronCmd.AddCommand(cronListCmd, cronTriggerCmd)

	tokenCmd.Flags().UintVar(&tokenUserID, "user", 1, "user id (sub claim)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "roles", []string{"admin"}, "role claims")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default jwt.expires_in)")

	rootCmd.AddCommand(migrateCmd, cronCmd, logsCmd, tokenCmd)
}
