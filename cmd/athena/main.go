package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"athena/internal/app"
	"athena/internal/config"
	"athena/internal/db"
	"athena/internal/domain"
	"athena/internal/logging"
	"athena/internal/migrate"
	"athena/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "athena",
	Short: "Athena OODA command console",
	Long: color.CyanString("ATHENA") + ` runs Observe, Orient, Decide and Act cycles for red-team operations.
- Workspace: the .athena directory holding the SQLite database, plus an optional athena.yml.
- Operation: one engagement with targets, agents, a mission plan and a risk policy.
- Cycle: observe collects facts, orient asks the reasoning backend for three options,
  decide applies the risk policy, act routes the technique to an execution engine.
- Engines: caldera is the primary engine, shannon the optional stealth engine.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ATHENA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/athena.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringP("operation", "o", "", "operation id or code (defaults to the only operation)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("operation", rootCmd.PersistentFlags().Lookup("operation"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scenarioCmd())
	rootCmd.AddCommand(operationCmd())
	rootCmd.AddCommand(oodaCmd())
	rootCmd.AddCommand(recommendationCmd())
	rootCmd.AddCommand(c5isrCmd())
	rootCmd.AddCommand(factsCmd())
	rootCmd.AddCommand(executionsCmd())
	rootCmd.AddCommand(enginesCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(loopCmd())
	rootCmd.AddCommand(logCmd())
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if p := viper.GetString("config"); p != "" {
		cfg, err = config.FromFile(p)
	} else {
		cfg, err = config.Load(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays ATHENA_* environment variables on the file config.
func applyEnv(cfg *config.Config) {
	strs := map[string]*string{
		"server.addr":              &cfg.Server.Addr,
		"engines.caldera.url":      &cfg.Engines.Caldera.URL,
		"engines.caldera.api_key":  &cfg.Engines.Caldera.APIKey,
		"engines.shannon.url":      &cfg.Engines.Shannon.URL,
		"reasoning.claude.api_key": &cfg.Reasoning.Claude.APIKey,
		"reasoning.claude.model":   &cfg.Reasoning.Claude.Model,
		"reasoning.openai.api_key": &cfg.Reasoning.OpenAI.APIKey,
		"reasoning.openai.model":   &cfg.Reasoning.OpenAI.Model,
		"lock.redis_addr":          &cfg.Lock.RedisAddr,
		"telemetry.otlp_endpoint":  &cfg.Telemetry.OTLPEndpoint,
		"log.level":                &cfg.Log.Level,
	}
	for key, dst := range strs {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	bools := map[string]*bool{
		"engines.caldera.mock": &cfg.Engines.Caldera.Mock,
		"reasoning.mock":       &cfg.Reasoning.Mock,
	}
	for key, dst := range bools {
		if viper.IsSet(key) {
			*dst = viper.GetBool(key)
		}
	}
	if v := viper.GetString("notify.kafka.brokers"); v != "" {
		cfg.Notify.Kafka.Brokers = strings.Split(v, ",")
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, viper.GetBool("verbose"))
}

// withApp builds the full component graph for commands that run cycles or
// talk to engines.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.New(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// resolveOperation accepts an id or a code. With no reference it picks the
// only operation in the workspace.
func resolveOperation(ctx context.Context, r repo.Repo, ref string) (domain.Operation, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = strings.TrimSpace(viper.GetString("operation"))
	}
	if ref == "" {
		ops, err := r.ListOperations(ctx)
		if err != nil {
			return domain.Operation{}, err
		}
		if len(ops) != 1 {
			return domain.Operation{}, fmt.Errorf("operation not specified; use --operation (%d operations in workspace)", len(ops))
		}
		return ops[0], nil
	}
	op, err := r.GetOperation(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		op, err = r.GetOperationByCode(ctx, ref)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Operation{}, fmt.Errorf("operation %q: %w", ref, err)
	}
	return op, err
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

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
