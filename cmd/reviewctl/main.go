package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-report-reviews/internal/common/config"
	"github.com/pesio-ai/be-report-reviews/internal/common/database"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
	"github.com/pesio-ai/be-report-reviews/internal/service"
)

var rootCmd = &cobra.Command{
	Use:          "reviewctl",
	Short:        "Operator tooling for the report review service",
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := repository.Migrate(cmd.Context(), db)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No new migrations")
			return nil
		}
		for _, v := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", v)
		}
		return nil
	},
}

var workloadCmd = &cobra.Command{
	Use:   "workload",
	Short: "Print reviewer workload as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		reviewer, _ := cmd.Flags().GetString("reviewer")

		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		store := repository.NewPostgresStore(db)

		workflows, err := store.ListWorkflows(cmd.Context(), repository.WorkflowFilter{ProjectID: project})
		if err != nil {
			return err
		}
		reports, err := store.ListReports(cmd.Context(), repository.ReportFilter{ProjectID: project})
		if err != nil {
			return err
		}
		names := make(map[string]string, len(reports))
		for _, r := range reports {
			names[r.ID] = r.Name
		}
		return printJSON(cmd, service.AnalyzeWorkload(workflows, names, reviewer, time.Now().UTC()))
	},
}

var weightedCmd = &cobra.Command{
	Use:   "weighted <report-id>",
	Short: "Print the weighted approval summary of a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		wf, err := repository.NewPostgresStore(db).LoadWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, service.WeightedApprovalOf(wf))
	},
}

var validatePolicyCmd = &cobra.Command{
	Use:   "validate-policy <file>",
	Short: "Validate a review policy file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pf, err := config.LoadPolicyFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d templates, %d users\n", len(pf.Templates), len(pf.Users))
		return nil
	},
}

func openDB(cmd *cobra.Command) (*database.DB, error) {
	dsn, _ := cmd.Flags().GetString("db")
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("--db flag or service environment required: %w", err)
		}
		dsn = cfg.Database.DSN()
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	return database.New(ctx, database.Config{DSN: dsn, MaxConns: 2})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().String("db", "", "PostgreSQL connection string (defaults to DB_* environment)")
	workloadCmd.Flags().String("project", "", "Limit to one project")
	workloadCmd.Flags().String("reviewer", "", "Limit to one reviewer")
	rootCmd.AddCommand(migrateCmd, workloadCmd, weightedCmd, validatePolicyCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
