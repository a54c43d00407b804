package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"turnline/internal/app"
	"turnline/internal/config"
	"turnline/internal/db"
	"turnline/internal/engine"
	"turnline/internal/kpi"
	"turnline/internal/repo"
	"turnline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Turnline CLI",
	Long: `Turnline orchestrates property turnovers between tenants.
Core concepts:
- Workspace: your .turnline directory holding the database; an optional
  turnline.yml next to it overrides the built-in work-order catalog.
- Turnover: one vacancy-to-ready cycle per property, started by a move-out.
- Work orders: the catalog's gate order (inspection) is created at move-out;
  completing it unlocks the remaining orders, which run in parallel.
- Ready: when every work order is completed the turnover completes and the
  property is ready for move-in.
- KPI: per-turnover cycle time against the target, SLA overruns per order,
  and a fleet-wide summary ('tl kpi summary').
- Event log: diary of changes, view with 'tl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TURNLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(moveoutCmd())
	rootCmd.AddCommand(turnoverCmd())
	rootCmd.AddCommand(workorderCmd())
	rootCmd.AddCommand(kpiCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func moveoutCmd() *cobra.Command {
	var propertyID string
	cmd := &cobra.Command{
		Use:   "moveout",
		Short: "Record a tenant move-out and start the turnover",
		RunE: func(cmd *cobra.Command, args []string) error {
			if propertyID == "" {
				return fmt.Errorf("--property required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.StartTurnover(ctx, propertyID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&propertyID, "property", "", "property id")
	_ = cmd.MarkFlagRequired("property")
	return cmd
}

func turnoverCmd() *cobra.Command {
	t := &cobra.Command{Use: "turnover", Short: "Manage turnovers"}
	t.AddCommand(turnoverListCmd())
	t.AddCommand(turnoverShowCmd())
	return t
}

func turnoverListCmd() *cobra.Command {
	var f repo.TurnoverFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List turnovers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListTurnovers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Property", "Status", "Started", "Completed"})
				for _, t := range items {
					completed := ""
					if t.CompletedAt != nil {
						completed = *t.CompletedAt
					}
					tw.AppendRow(table.Row{t.ID, t.PropertyID, t.Status, t.StartedAt, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PropertyID, "property", "", "property id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (in_progress, completed)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func turnoverShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a turnover with its work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.Repo.GetTurnover(ctx, id)
				if err != nil {
					return err
				}
				orders, err := rt.Engine.Repo.ListWorkOrdersByTurnover(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"turnover":    t,
					"work_orders": orders,
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "turnover id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workorderCmd() *cobra.Command {
	wo := &cobra.Command{Use: "workorder", Short: "Manage work orders"}
	wo.AddCommand(workorderListCmd())
	wo.AddCommand(workorderCompleteCmd())
	return wo
}

func workorderListCmd() *cobra.Command {
	var turnoverID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a turnover's work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			if turnoverID == "" {
				return fmt.Errorf("--turnover required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				orders, err := rt.Engine.ListWorkOrders(ctx, turnoverID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "SLA Deadline", "Completed"})
				for _, o := range orders {
					completed := ""
					if o.CompletedAt != nil {
						completed = *o.CompletedAt
					}
					tw.AppendRow(table.Row{o.ID, o.Type, o.Status, o.SLADeadline, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&turnoverID, "turnover", "", "turnover id")
	_ = cmd.MarkFlagRequired("turnover")
	return cmd
}

func workorderCompleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a work order",
		Long:  "Completing the gate order unlocks the parallel orders. Completing the last order marks the property ready for move-in.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				wo, err := rt.Engine.CompleteWorkOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "work order id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func kpiCmd() *cobra.Command {
	k := &cobra.Command{Use: "kpi", Short: "Cycle-time and SLA reporting"}
	k.AddCommand(kpiReportCmd())
	k.AddCommand(kpiSummaryCmd())
	return k
}

func kpiReportCmd() *cobra.Command {
	var turnoverID string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "KPI report for one turnover",
		RunE: func(cmd *cobra.Command, args []string) error {
			if turnoverID == "" {
				return fmt.Errorf("--turnover required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.Repo.GetTurnover(ctx, turnoverID)
				if err != nil {
					return err
				}
				orders, err := rt.Engine.Repo.ListWorkOrdersByTurnover(ctx, turnoverID)
				if err != nil {
					return err
				}
				calc := kpi.Calculator{Config: rt.Config, Now: rt.Engine.Now}
				report, err := calc.Turnover(t, orders)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Turnover %s (property %s, %s)\n", report.TurnoverID, report.PropertyID, report.Status)
				fmt.Printf("Cycle time: %dh (target %dh, variance %+dh)\n", report.CycleTimeHours, report.TargetHours, report.VarianceHours)
				if report.SLABreached {
					fmt.Println("KPI target: BREACHED")
				} else {
					fmt.Println("KPI target: met")
				}
				if report.Bottleneck != nil {
					fmt.Printf("Bottleneck: %s, %dh over its %dh SLA\n", report.Bottleneck.Type, report.Bottleneck.OverrunHours, report.Bottleneck.SLAHours)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Status", "SLA (h)", "Actual (h)", "Overrun (h)", "On time"})
				for _, wo := range report.WorkOrders {
					tw.AppendRow(table.Row{wo.Type, wo.Status, wo.SLAHours, wo.ActualHours, wo.OverrunHours, wo.OnTime})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&turnoverID, "turnover", "", "turnover id")
	_ = cmd.MarkFlagRequired("turnover")
	return cmd
}

func kpiSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate KPI summary over all turnovers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListTurnovers(ctx, repo.TurnoverFilters{})
				if err != nil {
					return err
				}
				calc := kpi.Calculator{Config: rt.Config, Now: rt.Engine.Now}
				summary, err := calc.Summary(items)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Turnovers: %d total, %d completed, %d in progress\n", summary.TotalTurnovers, summary.CompletedTurnovers, summary.InProgressTurnovers)
				if summary.AvgCycleTimeHours != nil {
					fmt.Printf("Avg cycle time: %dh (target %dh)\n", *summary.AvgCycleTimeHours, summary.TargetHours)
				}
				if summary.CompliancePct != nil {
					fmt.Printf("Within target: %d of %d (%d%%)\n", summary.WithinTargetCount, summary.CompletedTurnovers, *summary.CompliancePct)
				}
				return nil
			})
		},
	}
	return cmd
}

func simulateCmd() *cobra.Command {
	var scenario string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Seed a pre-built historical scenario",
		Long:  "Seeds a backdated completed turnover. 'bottleneck' is the sequential 60h cycle that breaches the target; 'optimized' is the parallel 26h cycle that meets it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.SeedScenario(ctx, scenario)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", engine.ScenarioBottleneck, "scenario (bottleneck, optimized)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var turnoverID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, n, turnoverID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&turnoverID, "turnover", "", "turnover id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default turnline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSONOrTable(rt.Config)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer rt.Close()
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Turnline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
