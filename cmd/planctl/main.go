// Command planctl is the thin operator CLI over the Repository interface:
// add, list, and close plans. It talks to the same store the server uses
// (Postgres when DATABASE_URL is set, an ephemeral in-memory store
// otherwise, useful only for dry-run validation of a plan file).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atlasdesk/strategy-orchestrator/internal/compiler"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository/memory"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository/postgres"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(os.Stderr, "planctl: panic:", r)
			os.Exit(1)
		}
	}()

	root := &cobra.Command{
		Use:           "planctl",
		Short:         "Operate strategy plans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newAddCmd(), newListCmd(), newCloseCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "planctl:", err)
		os.Exit(1)
	}
}

func openRepository(ctx context.Context) (repository.Repository, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "planctl: DATABASE_URL not set, operating on an ephemeral in-memory store")
		return memory.New(), func() {}, nil
	}
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open repository: %w", err)
	}
	return store, func() { store.Close() }, nil
}

func newAddCmd() *cobra.Command {
	var user, file, account string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a plan from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			content, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read plan file: %w", err)
			}
			meta, err := compiler.ParseMeta(string(content))
			if err != nil {
				return fmt.Errorf("invalid plan: %w", err)
			}
			if _, err := compiler.Compile(string(content)); err != nil {
				return fmt.Errorf("invalid plan: %w", err)
			}

			ctx := context.Background()
			repo, closeRepo, err := openRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			plan := &types.Plan{
				ID:          uuid.NewString(),
				UserID:      user,
				Symbol:      meta.Symbol,
				Timeframe:   meta.Timeframe,
				Name:        meta.Name,
				Status:      types.PlanPending,
				YAMLContent: string(content),
				CreatedAt:   time.Now().UnixMilli(),
			}
			if err := repo.CreatePlan(ctx, plan); err != nil {
				return fmt.Errorf("create plan: %w", err)
			}
			fmt.Println(plan.ID)
			_ = account // reserved for a future per-account broker routing; unused by C1 today
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owning user id")
	cmd.Flags().StringVar(&file, "file", "", "path to the plan YAML file")
	cmd.Flags().StringVar(&account, "account", "", "broker account id override")
	return cmd
}

func newListCmd() *cobra.Command {
	var user, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			st := types.PlanStatus(status)
			if st == "" {
				st = types.PlanActive
			}

			ctx := context.Background()
			repo, closeRepo, err := openRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			plans, err := repo.ListPlansByStatus(ctx, user, st)
			if err != nil {
				return fmt.Errorf("list plans: %w", err)
			}
			for _, p := range plans {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n", p.ID, p.Symbol, p.Timeframe, p.Status, p.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owning user id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (default ACTIVE)")
	return cmd
}

func newCloseCmd() *cobra.Command {
	var id, reason string
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}

			ctx := context.Background()
			repo, closeRepo, err := openRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			if _, err := repo.GetPlan(ctx, id); err != nil {
				return fmt.Errorf("lookup plan: %w", err)
			}
			if err := repo.UpdatePlanStatus(ctx, id, types.PlanClosed, time.Now().UnixMilli()); err != nil {
				return fmt.Errorf("close plan: %w", err)
			}
			if err := repo.AppendAudit(ctx, &types.AuditEntry{
				ID:        uuid.NewString(),
				PlanID:    id,
				Timestamp: time.Now().UnixMilli(),
				Kind:      "plan_closed_by_operator",
				Detail:    reason,
			}); err != nil {
				fmt.Fprintln(os.Stderr, "planctl: audit write failed:", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "plan id")
	cmd.Flags().StringVar(&reason, "reason", "", "operator-supplied close reason")
	return cmd
}
