package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"athena/internal/app"
	"athena/internal/domain"
	"athena/internal/repo"
	athenasdk "athena/sdk/go"
)

func oodaCmd() *cobra.Command {
	o := &cobra.Command{Use: "ooda", Short: "Run and inspect OODA cycles"}
	o.AddCommand(oodaTriggerCmd())
	o.AddCommand(oodaCurrentCmd())
	o.AddCommand(oodaHistoryCmd())
	o.AddCommand(oodaTimelineCmd())
	o.AddCommand(oodaAdvanceCmd())
	return o
}

func oodaTriggerCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Run one full cycle: observe, orient, decide, act",
		Long:  "Runs locally against the workspace, or on a running server with --server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL != "" {
				opID := viper.GetString("operation")
				if opID == "" {
					return fmt.Errorf("--operation is required with --server")
				}
				it, err := athenasdk.New(serverURL).TriggerCycle(cmd.Context(), opID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				printCycle(it.IterationNumber, it.Phase, it.ObserveSummary, it.OrientSummary, it.DecideSummary, it.ActSummary)
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				op, err := resolveOperation(ctx, a.Repo, "")
				if err != nil {
					return err
				}
				it, err := a.Controller.TriggerCycle(ctx, op.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				printCycle(it.IterationNumber, it.Phase, it.ObserveSummary, it.OrientSummary, it.DecideSummary, it.ActSummary)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Athena server URL (e.g. http://127.0.0.1:8000)")
	return cmd
}

func oodaCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the latest iteration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				op, err := resolveOperation(ctx, r, "")
				if err != nil {
					return err
				}
				it, err := r.LatestIteration(ctx, op.ID)
				if err != nil {
					return fmt.Errorf("latest iteration: %w", err)
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				printCycle(it.IterationNumber, it.Phase, it.ObserveSummary, it.OrientSummary, it.DecideSummary, it.ActSummary)
				return nil
			})
		},
	}
}

func oodaHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List iterations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				op, err := resolveOperation(ctx, a.Repo, "")
				if err != nil {
					return err
				}
				items, err := a.Controller.History(ctx, op.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Phase", "Decide", "Act", "Started", "Completed"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.IterationNumber, it.Phase, domain.Truncate(it.DecideSummary, 50), actColor(domain.Truncate(it.ActSummary, 60)), it.StartedAt, stringOrEmpty(it.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func oodaTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline",
		Short: "Show phase summaries as a timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				op, err := resolveOperation(ctx, a.Repo, "")
				if err != nil {
					return err
				}
				items, err := a.Controller.Timeline(ctx, op.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, e := range items {
					fmt.Printf("#%-3d %-8s %s\n", e.IterationNumber, color.CyanString(e.Phase), firstLine(e.Summary))
				}
				return nil
			})
		},
	}
}

func oodaAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <phase>",
		Short: "Override the current phase (observe, orient, decide, act)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				op, err := resolveOperation(ctx, a.Repo, "")
				if err != nil {
					return err
				}
				if err := a.Controller.AdvancePhase(ctx, op.ID, args[0]); err != nil {
					return err
				}
				fmt.Printf("%s moved to %s\n", op.Code, color.CyanString(args[0]))
				return nil
			})
		},
	}
}

func printCycle(number int, phase, observe, orient, decide, act string) {
	fmt.Printf("OODA cycle #%d (%s)\n", number, phase)
	fmt.Printf("  %s %s\n", color.CyanString("observe"), firstLine(observe))
	fmt.Printf("  %s  %s\n", color.CyanString("orient"), firstLine(orient))
	fmt.Printf("  %s  %s\n", color.CyanString("decide"), decide)
	fmt.Printf("  %s     %s\n", color.CyanString("act"), actColor(act))
}

// actColor highlights the decision gate: executed, failed, or waiting on the commander.
func actColor(s string) string {
	switch {
	case strings.HasPrefix(s, "Awaiting commander approval"):
		return color.YellowString(s)
	case strings.HasSuffix(s, ": "+domain.ExecSuccess):
		return color.GreenString(s)
	case strings.HasSuffix(s, ": "+domain.ExecFailed):
		return color.RedString(s)
	}
	return s
}

func riskColor(level string) string {
	switch level {
	case domain.RiskCritical:
		return color.New(color.FgRed, color.Bold).Sprint(level)
	case domain.RiskHigh:
		return color.RedString(level)
	case domain.RiskMedium:
		return color.YellowString(level)
	}
	return color.GreenString(level)
}

func healthColor(pct float64, status string) string {
	switch {
	case pct >= 75:
		return color.GreenString(status)
	case pct >= 50:
		return color.YellowString(status)
	}
	return color.RedString(status)
}

func statusColor(status string) string {
	switch status {
	case domain.ExecSuccess:
		return color.GreenString(status)
	case domain.ExecFailed:
		return color.RedString(status)
	}
	return status
}

func severityColor(sev string) string {
	switch sev {
	case "success":
		return color.GreenString(sev)
	case "warning":
		return color.YellowString(sev)
	case "error", "critical":
		return color.RedString(sev)
	}
	return sev
}

func availabilityColor(ok bool) string {
	if ok {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
