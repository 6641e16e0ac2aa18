// Command meshwarden-server runs the mesh control plane: the MAPE-K loop
// over the mesh's metric store, the alert intake sink, the operator API and,
// when enabled, the federated-learning aggregator for this shard.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/meshwarden/meshwarden/internal/alerting"
	"github.com/meshwarden/meshwarden/internal/analyzer"
	"github.com/meshwarden/meshwarden/internal/api"
	"github.com/meshwarden/meshwarden/internal/charter"
	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/executor"
	"github.com/meshwarden/meshwarden/internal/fl"
	"github.com/meshwarden/meshwarden/internal/governance"
	"github.com/meshwarden/meshwarden/internal/knowledge"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/metricstore"
	"github.com/meshwarden/meshwarden/internal/monitor"
	"github.com/meshwarden/meshwarden/internal/orchestrator"
	"github.com/meshwarden/meshwarden/internal/planner"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

const (
	shutdownTimeout      = 30 * time.Second
	eventBusBuffer       = 1024
	shardLeaseTTLSeconds = 15
)

// version is stamped by the release build.
var version = "dev"

func main() {
	configPath := flag.String("config", "configs/meshwarden.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("meshwarden-server", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "meshwarden-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load once before anything logs so the logger comes up with the
	// configured level and format.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Initialize(cfg.Logging)
	log := logger.New("server")

	log.Info("meshwarden control plane starting",
		logger.String("version", version),
		logger.String("config", configPath))

	mgr, err := config.NewManager(configPath)
	if err != nil {
		return err
	}
	defer mgr.Stop()

	ctx := context.Background()

	tel := telemetry.Nop()
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.Initialize(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			SampleRate:     cfg.Telemetry.SampleRate,
			EnableTracing:  true,
			EnableMetrics:  true,
			StdoutTrace:    cfg.Telemetry.StdoutTrace,
		})
		if err != nil {
			return fmt.Errorf("telemetry init: %w", err)
		}
	}

	bus := events.NewBus(eventBusBuffer)
	defer bus.Close()

	mgr.OnChange(func(next *config.Config) {
		// Components read their sections at construction; the reload is
		// surfaced to operators, structural changes need a restart.
		log.Info("configuration file reloaded",
			logger.Int("plan_threshold", next.Orchestrator.PlanThreshold),
			logger.Float64("planner_score_threshold", next.Planner.ScoreThreshold))
		bus.Publish(events.Event{
			Type:   events.ConfigReloaded,
			Source: "config",
			Data: map[string]interface{}{
				"path": configPath,
			},
		})
	})

	// Observe plane: metric store client, alert intake, monitor.
	metrics := metricstore.NewClient(cfg.MetricsAPI)

	var dedup alerting.DedupStore
	if cfg.AlertSink.RedisAddr != "" {
		dedup, err = alerting.NewRedisDedup(alerting.RedisDedupConfig{
			Addr:     cfg.AlertSink.RedisAddr,
			Password: cfg.AlertSink.RedisPassword,
			DB:       cfg.AlertSink.RedisDB,
			Window:   cfg.AlertSink.DedupWindow(),
		})
		if err != nil {
			return fmt.Errorf("alert dedup store: %w", err)
		}
	} else {
		dedup = alerting.NewMemoryDedup(cfg.AlertSink.DedupWindow())
	}

	sink := alerting.NewSink(cfg.AlertSink, dedup, bus, tel)
	go func() {
		if err := sink.Start(); err != nil {
			log.Error("alert sink stopped", logger.Error(err))
		}
	}()

	mon := monitor.New(cfg.Monitor, metrics, sink, bus, tel)

	// Learn plane: knowledge store feeds hints back into the loop.
	kstore, err := knowledge.OpenStore(cfg.Knowledge.DatabasePath)
	if err != nil {
		return fmt.Errorf("knowledge store: %w", err)
	}
	know, err := knowledge.New(cfg.Knowledge, kstore, cfg.Monitor.Fixtures, bus, tel)
	if err != nil {
		kstore.Close()
		return fmt.Errorf("knowledge: %w", err)
	}
	defer know.Close()

	// Decide and act planes.
	an := analyzer.New(cfg.Analyzer, bus, tel)
	pl := planner.New(cfg.Planner, bus, tel)
	enforcer := charter.NewClient(cfg.Charter)
	exec := executor.New(cfg.Executor, enforcer, mon, bus, tel)

	ledger := governance.NewLedger(cfg.Governance,
		governance.DeferToOperator(),
		governance.BuildNotifier(cfg.Governance, logger.New("governance")),
		bus)

	orch := orchestrator.New(cfg, mon, an, pl, exec, know, ledger, bus, tel)

	// Federated plane: one aggregator per shard, leader-gated when etcd
	// coordinates replicas.
	var agg *fl.Aggregator
	if cfg.FL.Enabled {
		assigner, release, err := buildAssigner(ctx, cfg.FL.Shard)
		if err != nil {
			return err
		}
		defer assigner.Close()
		if release != nil {
			defer release()
		}

		registry := fl.NewRegistry(cfg.FL.Shard.ID, assigner)
		agg, err = fl.New(cfg.FL, registry, bus, tel)
		if err != nil {
			return fmt.Errorf("fl aggregator: %w", err)
		}
		if err := agg.Start(); err != nil {
			return fmt.Errorf("fl aggregator start: %w", err)
		}

		// Published models grade monitor observations from now on.
		mon.SetAnomalyScorer(agg.Models())
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		var flSource api.FLSource
		if agg != nil {
			flSource = agg
		}
		apiServer = api.New(cfg.API, api.Deps{
			Status:    orch,
			Approvals: ledger,
			Knowledge: know,
			FL:        flSource,
			Bus:       bus,
		}, tel)
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("operator api stopped", logger.Error(err))
			}
		}()
	}

	var promServer *http.Server
	if cfg.Telemetry.Enabled && cfg.Telemetry.PrometheusAddr != "" {
		promServer = &http.Server{
			Addr:    cfg.Telemetry.PrometheusAddr,
			Handler: tel.Handler(),
		}
		go func() {
			log.Info("prometheus scrape endpoint listening",
				logger.String("addr", cfg.Telemetry.PrometheusAddr))
			if err := promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("prometheus endpoint stopped", logger.Error(err))
			}
		}()
	}

	if err := orch.Start(); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}

	log.Info("meshwarden control plane up",
		logger.Bool("fl_enabled", cfg.FL.Enabled),
		logger.Bool("api_enabled", cfg.API.Enabled),
		logger.String("alert_sink", cfg.AlertSink.Addr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	log.Info("shutdown signal received", logger.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Intake closes first so nothing new enters the loop, then the loop,
	// then the round in flight.
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("api shutdown", logger.Error(err))
		}
	}
	if promServer != nil {
		if err := promServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("prometheus endpoint shutdown", logger.Error(err))
		}
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		log.Warn("orchestrator shutdown", logger.Error(err))
	}
	if agg != nil {
		if err := agg.Stop(shutdownCtx); err != nil {
			log.Warn("fl aggregator shutdown", logger.Error(err))
		}
	}
	if err := sink.Shutdown(shutdownCtx); err != nil {
		log.Warn("alert sink shutdown", logger.Error(err))
	}
	if cfg.Telemetry.Enabled {
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", logger.Error(err))
		}
	}

	log.Info("meshwarden control plane stopped")
	return nil
}

// buildAssigner picks the shard assignment backend. With etcd endpoints the
// instance also campaigns for this shard's leadership so only one replica
// aggregates; the returned release drops the lease.
func buildAssigner(ctx context.Context, shard config.ShardConfig) (fl.ShardAssigner, func(), error) {
	if len(shard.EtcdEndpoints) == 0 {
		return fl.NewHashAssigner(shard.Count), nil, nil
	}

	assigner, err := fl.NewEtcdAssigner(shard.EtcdEndpoints, shard.Count)
	if err != nil {
		return nil, nil, fmt.Errorf("etcd shard registry: %w", err)
	}

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	release, err := assigner.CampaignLeader(ctx, shard.ID, instanceID, shardLeaseTTLSeconds)
	if err != nil {
		assigner.Close()
		return nil, nil, fmt.Errorf("shard %d leadership: %w", shard.ID, err)
	}
	return assigner, release, nil
}
