package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"athena/internal/app"
	"athena/internal/config"
	"athena/internal/domain"
	"athena/internal/repo"
	"athena/internal/scenario"
	"athena/internal/server"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect and create athena.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default athena.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(p); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", p)
			}
			if err := os.WriteFile(p, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", filepath.Clean(p))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, CORSOrigins: a.Config.Server.CORSOrigins})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Athena API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs, metrics at /metrics)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func scenarioCmd() *cobra.Command {
	sc := &cobra.Command{Use: "scenario", Short: "Load operations from scenario files"}
	var file string
	var demo bool
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import a scenario (operation, targets, agents, techniques, mission)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				s   *scenario.Scenario
				err error
			)
			switch {
			case demo && file != "":
				return fmt.Errorf("use either --demo or --file")
			case demo:
				s = scenario.Demo()
			case file != "":
				if s, err = scenario.Load(file); err != nil {
					return err
				}
			default:
				return fmt.Errorf("--demo or --file required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				op, err := scenario.Import(ctx, r, s, time.Now())
				if err != nil {
					return err
				}
				return printOperation(op)
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "scenario YAML file")
	imp.Flags().BoolVar(&demo, "demo", false, "import the built-in PHANTOM-EYE scenario")
	sc.AddCommand(imp)
	return sc
}

func operationCmd() *cobra.Command {
	op := &cobra.Command{Use: "operation", Short: "Inspect operations"}
	op.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ops, err := r.ListOperations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Codename", "Status", "Phase", "Cycles", "Success %", "Mode"})
				for _, o := range ops {
					tw.AppendRow(table.Row{o.ID, o.Code, o.Codename, o.Status, o.CurrentPhase, o.IterationCount, o.SuccessRate, o.AutomationMode})
				}
				tw.Render()
				return nil
			})
		},
	})
	op.AddCommand(&cobra.Command{
		Use:   "show [id|code]",
		Short: "Show an operation with its targets and agents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := resolveOperation(ctx, r, firstArg(args))
				if err != nil {
					return err
				}
				targets, err := r.ListTargets(ctx, o.ID)
				if err != nil {
					return err
				}
				agents, err := r.ListAgents(ctx, o.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"operation": o, "targets": targets, "agents": agents})
				}
				if err := printOperation(o); err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle("Targets")
				tw.AppendHeader(table.Row{"Hostname", "IP", "OS", "Role", "Compromised"})
				for _, t := range targets {
					tw.AppendRow(table.Row{t.Hostname, t.IPAddress, t.OS, t.Role, t.IsCompromised})
				}
				tw.Render()
				aw := table.NewWriter()
				aw.SetOutputMirror(os.Stdout)
				aw.SetTitle("Agents")
				aw.AppendHeader(table.Row{"Paw", "Status", "Privilege", "Platform", "Last beacon"})
				for _, ag := range agents {
					aw.AppendRow(table.Row{ag.Paw, ag.Status, ag.Privilege, ag.Platform, stringOrEmpty(ag.LastBeacon)})
				}
				aw.Render()
				return nil
			})
		},
	})
	return op
}

func printOperation(o domain.Operation) error {
	if viper.GetBool("json") {
		return printJSON(o)
	}
	fmt.Printf("Operation %s %s (%s)\n", o.Code, o.Codename, o.ID)
	fmt.Printf("  Intent: %s\n", o.StrategicIntent)
	fmt.Printf("  Status: %s  Phase: %s  Cycles: %d\n", o.Status, o.CurrentPhase, o.IterationCount)
	fmt.Printf("  Mode: %s  Risk threshold: %s  Stealth: %s\n", o.AutomationMode, o.RiskThreshold, o.StealthLevel)
	fmt.Printf("  Techniques: %d/%d  Success: %.1f%%  Active agents: %d\n", o.TechniquesExecuted, o.TechniquesTotal, o.SuccessRate, o.ActiveAgents)
	return nil
}

func recommendationCmd() *cobra.Command {
	rc := &cobra.Command{Use: "recommendation", Short: "Orient phase recommendations"}
	rc.AddCommand(&cobra.Command{
		Use:   "latest",
		Short: "Show the latest recommendation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := resolveOperation(ctx, r, "")
				if err != nil {
					return err
				}
				rec, err := r.LatestRecommendation(ctx, o.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("%s  (confidence %.2f)\n%s\n", rec.RecommendedTechniqueID, rec.Confidence, rec.SituationAssessment)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Technique", "Name", "Risk", "Engine", "Confidence"})
				for _, opt := range rec.Options {
					tw.AppendRow(table.Row{opt.TechniqueID, opt.TechniqueName, riskColor(opt.RiskLevel), opt.RecommendedEngine, opt.Confidence})
				}
				tw.Render()
				return nil
			})
		},
	})
	rc.AddCommand(&cobra.Command{
		Use:   "accept <recommendation-id>",
		Short: "Accept a recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := resolveOperation(ctx, r, "")
				if err != nil {
					return err
				}
				if err := r.AcceptRecommendation(ctx, o.ID, args[0]); err != nil {
					return fmt.Errorf("recommendation %s: %w", args[0], err)
				}
				rec, err := r.GetRecommendation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	})
	return rc
}

func c5isrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "c5isr",
		Short: "Show C5ISR domain health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := resolveOperation(ctx, r, "")
				if err != nil {
					return err
				}
				items, err := r.ListDomainHealth(ctx, o.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Domain", "Status", "Health %", "Detail"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.Domain, healthColor(h.HealthPct, h.Status), h.HealthPct, h.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func factsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "List collected intelligence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := resolveOperation(ctx, r, "")
				if err != nil {
					return err
				}
				items, err := r.ListFacts(ctx, o.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Trait", "Value", "Technique", "Collected"})
				for _, f := range items {
					tw.AppendRow(table.Row{f.Category, f.Trait, domain.Truncate(f.Value, 60), stringOrEmpty(f.SourceTechniqueID), f.CollectedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of facts")
	return cmd
}

func executionsCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List technique executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := resolveOperation(ctx, r, "")
				if err != nil {
					return err
				}
				items, err := r.ListExecutions(ctx, o.ID, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Technique", "Engine", "Status", "Facts", "Summary", "Completed"})
				for _, e := range items {
					summary := stringOrEmpty(e.ResultSummary)
					if e.ErrorMessage != nil {
						summary = *e.ErrorMessage
					}
					tw.AppendRow(table.Row{e.TechniqueID, e.Engine, statusColor(e.Status), e.FactsCollectedCount, domain.Truncate(summary, 60), stringOrEmpty(e.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of executions")
	return cmd
}

func enginesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "Probe execution engine availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := a.Engines(ctx)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Engine", "Role", "Available"})
				for _, e := range items {
					role := "secondary"
					if e.Primary {
						role = "primary"
					}
					tw.AppendRow(table.Row{e.Name, role, availabilityColor(e.Available)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentsCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agents", Short: "Manage operation agents"}
	ag.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Upsert agents reported by the primary engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := resolveOperation(ctx, a.Repo, "")
				if err != nil {
					return err
				}
				agents, err := a.SyncAgents(ctx, o.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(agents)
			})
		},
	})
	return ag
}

func loopCmd() *cobra.Command {
	var interval time.Duration
	var once bool
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run cycles for every active operation on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if once {
					round, err := a.RunRound(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(round)
				}
				if interval <= 0 {
					interval = a.Config.OODA.Interval
				}
				return a.RunLoop(ctx, interval)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between rounds (defaults to ooda.interval)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single round and exit")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Operation log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show latest log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := resolveOperation(ctx, r, "")
				if err != nil {
					return err
				}
				entries, err := r.LatestLogEntries(ctx, o.ID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				for i := len(entries) - 1; i >= 0; i-- {
					e := entries[i]
					fmt.Printf("%s %-8s %-16s %s\n", e.TS, severityColor(e.Severity), e.Source, e.Message)
				}
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	lg.AddCommand(tail)
	return lg
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
