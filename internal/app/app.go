// Package app wires the configured components into a single Controller that
// the HTTP server and the CLI share.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"athena/internal/config"
	"athena/internal/db"
	"athena/internal/domain"
	"athena/internal/events"
	"athena/internal/executor"
	"athena/internal/migrate"
	"athena/internal/notify"
	"athena/internal/ooda"
	"athena/internal/reasoning"
	"athena/internal/repo"
	"athena/internal/telemetry"
)

// Options controls how an App is built.
type Options struct {
	Workspace string
	// Config overrides the workspace athena.yml when set.
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time
	// Clients replaces the configured engine clients; used by tests.
	Clients map[string]executor.Client
	// Backends replaces the configured reasoning backends; used by tests.
	Backends []reasoning.Backend
}

// App holds the long-lived components of one workspace.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Logger     *zap.Logger
	Hub        *notify.Hub
	Dispatcher *notify.Dispatcher
	Clients    map[string]executor.Client
	Controller *ooda.Controller
	Registry   *prometheus.Registry

	closers []func(context.Context) error
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.Workspace); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Repo: repo.Repo{DB: conn}, Logger: logger}
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		a.Close(ctx)
		return nil, err
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ooda.NewMetrics(a.Registry)

	a.Hub = notify.NewHub(cfg.Notify.Buffer, logger)
	for _, origin := range cfg.Server.CORSOrigins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			a.Hub.OriginPatterns = append(a.Hub.OriginPatterns, u.Host)
		}
	}
	targets := []notify.Target{a.Hub}
	if len(cfg.Notify.Kafka.Brokers) > 0 {
		k := notify.NewKafkaSink(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic)
		targets = append(targets, k)
		a.closers = append(a.closers, func(context.Context) error { return k.Close() })
	}
	a.Dispatcher = notify.NewDispatcher(cfg.Notify.Buffer, logger, targets...)
	// Registered after the sinks so queued events drain before they close.
	a.closers = append(a.closers, a.Dispatcher.Close)

	a.Clients = opts.Clients
	if a.Clients == nil {
		a.Clients = engineClients(cfg)
	}
	backends := opts.Backends
	if backends == nil {
		backends = reasoningBackends(cfg)
	}
	locker, err := a.locker(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	writer := events.Writer{DB: conn, Now: now}
	facts := ooda.FactCollector{
		Repo: a.Repo, Sink: a.Dispatcher, Logger: logger, Metrics: metrics, Now: now,
		Window: cfg.OODA.FactWindow,
	}
	a.Controller = &ooda.Controller{
		Repo:   a.Repo,
		Events: writer,
		Sink:   a.Dispatcher,
		Facts:  facts,
		Orient: ooda.OrientEngine{
			Repo: a.Repo, Sink: a.Dispatcher, Backends: backends,
			Timeout: cfg.Reasoning.Timeout, Logger: logger, Now: now,
		},
		Decision: ooda.DecisionEngine{Repo: a.Repo, PrimaryEngine: cfg.Engines.Primary, Metrics: metrics},
		Router: &ooda.Router{
			Repo:           a.Repo,
			Events:         writer,
			Sink:           a.Dispatcher,
			Facts:          facts,
			Clients:        a.Clients,
			Primary:        cfg.Engines.Primary,
			Secondary:      cfg.Engines.Secondary,
			HintConfidence: cfg.Engines.HintConfidence,
			Logger:         logger,
			Metrics:        metrics,
			Now:            now,
		},
		C5ISR:        ooda.C5ISRMapper{Repo: a.Repo, Sink: a.Dispatcher, Now: now},
		Locker:       locker,
		Metrics:      metrics,
		Logger:       logger,
		Now:          now,
		PhaseTimeout: cfg.OODA.PhaseTimeout,
		SummaryLimit: cfg.OODA.SummaryLimit,
	}
	return a, nil
}

func (a *App) locker(ctx context.Context) (ooda.Locker, error) {
	if a.Config.Lock.RedisAddr == "" {
		return ooda.NewLocalLocker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.Config.Lock.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis lock %s: %w", a.Config.Lock.RedisAddr, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return ooda.NewRedisLocker(client, a.Config.Lock.TTL), nil
}

func engineClients(cfg *config.Config) map[string]executor.Client {
	retry := executor.RetryPolicy{
		MaxAttempts:     cfg.Engines.Retry.MaxAttempts,
		InitialInterval: cfg.Engines.Retry.InitialInterval,
		MaxInterval:     cfg.Engines.Retry.MaxInterval,
	}
	clients := map[string]executor.Client{}
	if cfg.Engines.Caldera.Mock {
		clients[executor.EngineCaldera] = &executor.Mock{Delay: cfg.Engines.Caldera.MockDelay}
	} else {
		clients[executor.EngineCaldera] = executor.NewCaldera(executor.CalderaConfig{
			URL:          cfg.Engines.Caldera.URL,
			APIKey:       cfg.Engines.Caldera.APIKey,
			Retry:        retry,
			PollInterval: cfg.Engines.Poll.Interval,
			PollBudget:   cfg.Engines.Poll.Budget,
		})
	}
	if cfg.ShannonConfigured() {
		clients[executor.EngineShannon] = executor.NewShannon(executor.ShannonConfig{
			URL:          cfg.Engines.Shannon.URL,
			Retry:        retry,
			PollInterval: cfg.Engines.Poll.Interval,
			PollBudget:   cfg.Engines.Poll.Budget,
		})
	}
	return clients
}

func reasoningBackends(cfg *config.Config) []reasoning.Backend {
	if cfg.Reasoning.Mock {
		return nil
	}
	rc := cfg.Reasoning
	return []reasoning.Backend{
		reasoning.NewClaude(reasoning.Config{APIKey: rc.Claude.APIKey, Model: rc.Claude.Model, BaseURL: rc.Claude.BaseURL, Timeout: rc.Timeout}),
		reasoning.NewOpenAI(reasoning.Config{APIKey: rc.OpenAI.APIKey, Model: rc.OpenAI.Model, BaseURL: rc.OpenAI.BaseURL, Timeout: rc.Timeout}),
	}
}

// EngineStatus reports whether one registered engine answers.
type EngineStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Primary   bool   `json:"primary"`
}

// Engines probes every registered client, primary first.
func (a *App) Engines(ctx context.Context) []EngineStatus {
	names := []string{a.Config.Engines.Primary}
	if s := a.Config.Engines.Secondary; s != "" {
		if _, ok := a.Clients[s]; ok {
			names = append(names, s)
		}
	}
	out := make([]EngineStatus, 0, len(names))
	for _, n := range names {
		c, ok := a.Clients[n]
		out = append(out, EngineStatus{Name: n, Available: ok && c.Available(ctx), Primary: n == a.Config.Engines.Primary})
	}
	return out
}

type agentLister interface {
	Agents(ctx context.Context) ([]executor.RemoteAgent, error)
}

// ErrNoAgentSource is returned by SyncAgents when the primary engine cannot list agents.
var ErrNoAgentSource = errors.New("primary engine cannot list agents")

// SyncAgents upserts the primary engine's agents into the operation and
// refreshes its active agent count. Agents whose host matches a target
// hostname are linked to it.
func (a *App) SyncAgents(ctx context.Context, operationID string) ([]domain.Agent, error) {
	lister, ok := a.Clients[a.Config.Engines.Primary].(agentLister)
	if !ok {
		return nil, ErrNoAgentSource
	}
	if _, err := a.Repo.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	remote, err := lister.Agents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	targets, err := a.Repo.ListTargets(ctx, operationID)
	if err != nil {
		return nil, err
	}
	hosts := map[string]string{}
	for _, t := range targets {
		hosts[t.Hostname] = t.ID
	}
	now := domain.FormatTime(a.Controller.Now())
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, ra := range remote {
		ag := domain.Agent{
			ID:          uuid.NewString(),
			OperationID: operationID,
			Paw:         ra.Paw,
			Status:      ra.Status,
			Privilege:   ra.Privilege,
			Platform:    ra.Platform,
			CreatedAt:   now,
		}
		if id, ok := hosts[ra.Host]; ok {
			ag.HostID = &id
		}
		if ra.LastSeen != "" {
			seen := ra.LastSeen
			ag.LastBeacon = &seen
		}
		if err := a.Repo.UpsertAgentTx(ctx, tx, ag); err != nil {
			return nil, fmt.Errorf("upsert agent %s: %w", ra.Paw, err)
		}
	}
	if err := a.Repo.SetActiveAgents(ctx, tx, operationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	a.Logger.Info("agents synced", zap.String("operation_id", operationID), zap.Int("count", len(remote)))
	return a.Repo.ListAgents(ctx, operationID)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
