package main

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yoman-app/yoman/internal/classifier"
	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/delivery"
	"github.com/yoman-app/yoman/internal/fuzzy"
	"github.com/yoman-app/yoman/internal/intake"
	"github.com/yoman-app/yoman/internal/metrics"
	"github.com/yoman-app/yoman/internal/monitoring"
	"github.com/yoman-app/yoman/internal/pipeline"
	"github.com/yoman-app/yoman/internal/quota"
	"github.com/yoman-app/yoman/internal/resilience"
	"github.com/yoman-app/yoman/internal/scheduler"
	"github.com/yoman-app/yoman/internal/store"
	anthropicpkg "github.com/yoman-app/yoman/pkg/anthropic"
	"github.com/yoman-app/yoman/pkg/messaging"
)

// appEnv holds the store and every service built on top of it.
type appEnv struct {
	Store     store.Store
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Alerter   *monitoring.Alerter
	Breakers  *resilience.ServiceBreakers
	Pipeline  *pipeline.Pipeline
	Scheduler *scheduler.Scheduler
	Worker    *scheduler.Worker
	Service   *intake.Service
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "sqlite":
		path := c.SQLitePath
		if path == "" {
			path = "yoman.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, c.DatabaseURL, nil)
	case "memory":
		return store.NewMemory(c.CacheSize)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
}

func initSender(c config.MessagingConfig) delivery.Sender {
	if c.Driver != "http" {
		return delivery.LogSender{}
	}
	timeout := time.Duration(c.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return messaging.NewClient(c.BaseURL, c.Token,
		messaging.WithHTTPClient(&http.Client{Timeout: timeout}),
		messaging.WithRate(c.RatePerSec, max(int(c.RatePerSec), 1)),
	)
}

// initVoters builds the classifier voters. Without an API key the model
// voter is dropped so the keyword voter can still run offline.
func initVoters(c *config.Config) ([]classifier.Voter, error) {
	var ai anthropicpkg.Client
	if c.Anthropic.Key != "" {
		ai = anthropicpkg.NewClient(c.Anthropic.Key)
	} else if slices.Contains(c.Guard.Voters, classifier.AnthropicVoterName) {
		zap.L().Warn("YOMAN_ANTHROPIC_KEY not set, anthropic voter disabled")
		guard := c.Guard
		guard.Voters = slices.DeleteFunc(slices.Clone(guard.Voters), func(v string) bool {
			return v == classifier.AnthropicVoterName
		})
		if guard.PrimaryVoter == classifier.AnthropicVoterName && len(guard.Voters) > 0 {
			guard.PrimaryVoter = guard.Voters[0]
		}
		c.Guard = guard
	}
	return classifier.NewVoters(c, ai)
}

// initEnv opens the store, migrates it and wires the pipeline, scheduler,
// worker and intake service. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config) (*appEnv, error) {
	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env, err := buildEnv(c, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

func buildEnv(c *config.Config, st store.Store) (*appEnv, error) {
	voters, err := initVoters(c)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	alerter := monitoring.NewAlerter(c.Monitoring,
		monitoring.WithRetry(resilience.FromRetryConfig(c.Resilience.Retry)))
	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(c.Resilience.Circuit))

	guard := quota.NewGuard(st, quota.Limits{
		GlobalDaily:  c.Guard.GlobalDailyLimit,
		GlobalHourly: c.Guard.GlobalHourlyLimit,
		UserDaily:    c.Guard.UserDailyLimit,
		WarnRatio:    c.Guard.WarnRatio,
	}, alerter)

	p := pipeline.New(pipeline.Deps{
		Cache:      st,
		Guard:      guard,
		Voters:     voters,
		Candidates: st,
		Breakers:   breakers,
		Metrics:    m,
		Config:     c,
	})

	sched := scheduler.New(st, c.Scheduler, scheduler.WithMetrics(m))
	worker := scheduler.NewWorker(st, initSender(c.Messaging), scheduler.WorkerConfigFrom(c.Scheduler),
		scheduler.WithWorkerMetrics(m),
		scheduler.WithNotifier(alerter),
	)

	matcher := fuzzy.NewMatcher(fuzzy.Config{
		MinScore:       c.Matcher.MinScore,
		TopK:           c.Matcher.TopK,
		TokenThreshold: c.Matcher.TokenThreshold,
		EditWeight:     c.Matcher.EditWeight,
		OverlapWeight:  c.Matcher.OverlapWeight,
	})
	svc := intake.NewService(p, st, sched, intake.WithMatcher(matcher))

	zap.L().Info("environment ready",
		zap.String("store", c.Store.Driver),
		zap.Int("voters", len(voters)),
		zap.String("messaging", c.Messaging.Driver),
	)

	return &appEnv{
		Store:     st,
		Registry:  reg,
		Metrics:   m,
		Alerter:   alerter,
		Breakers:  breakers,
		Pipeline:  p,
		Scheduler: sched,
		Worker:    worker,
		Service:   svc,
	}, nil
}
