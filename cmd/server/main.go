// Command server runs the rolling-restart orchestrator's HTTP admin surface:
// start/cancel/validate a run, inspect cluster status and history, and drive
// single-node operations over SSH.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brokerops/rollingrestart/internal/api"
	"github.com/brokerops/rollingrestart/internal/broker"
	"github.com/brokerops/rollingrestart/internal/cache"
	"github.com/brokerops/rollingrestart/internal/cluster"
	"github.com/brokerops/rollingrestart/internal/config"
	"github.com/brokerops/rollingrestart/internal/health"
	"github.com/brokerops/rollingrestart/internal/history"
	"github.com/brokerops/rollingrestart/internal/metrics"
	"github.com/brokerops/rollingrestart/internal/orchestrator"
	"github.com/brokerops/rollingrestart/internal/sshexec"
	"github.com/brokerops/rollingrestart/internal/topology"
)

func main() {
	log.Println("starting rolling-restart orchestrator")

	cfg := config.LoadRestartConfig()

	topo, err := topology.Load(cfg.TopologyFile)
	if err != nil {
		log.Fatalf("topology: %v", err)
	}

	brokerClient := broker.NewClient(cfg.ManagementAPIBase, cfg.AdminUser, cfg.AdminPassword, cfg.Timeouts.APITimeout)
	sshExecutor := sshexec.NewExecutor(cfg.SSHUser, cfg.SSHKeyPath, cfg.SSHPassword)
	defer sshExecutor.Close()

	healthChecker := health.NewChecker(brokerClient)
	validator := cluster.NewValidator(brokerClient, topo, cfg.EnableRollingRestart, cfg.RequireAllNodesHealthy, cfg.AllowRestartWithPartitions)

	rec := metrics.New()

	historyRepo, closeHistory := initHistory(cfg.DatabaseURL)
	if closeHistory != nil {
		defer closeHistory()
	}

	orchOpts := orchestrator.Options{
		ForceCloseConnectionsAfterDrain: cfg.ForceCloseConnectionsAfterDrain,
		ForceCloseMaxConnections:        cfg.ForceCloseMaxConnections,
		Metrics:                         rec,
	}
	var historyRecorder orchestrator.HistoryRecorder
	if historyRepo != nil {
		historyRecorder = historyRepo
	}
	orch := orchestrator.New(topo, cfg.Timeouts, orchOpts, brokerClient, healthChecker, sshExecutor, validator, historyRecorder)

	clusterStatus := initClusterStatus(topo, brokerClient, healthChecker, cfg.RedisURL)

	handlers := &api.Handlers{
		Config:        cfg,
		Topology:      topo,
		Orchestrator:  orch,
		Broker:        brokerClient,
		SSH:           sshExecutor,
		ClusterHealth: validator,
		History:       historyReader(historyRepo),
		ClusterStatus: clusterStatus,
	}

	router := api.NewRouter(handlers, cfg.APIKey)
	api.Metrics(router, rec.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("exited gracefully")
}

// initHistory opens the history repository when DATABASE_URL is configured.
// A nil return degrades history to unavailable rather than failing startup.
func initHistory(databaseURL string) (*history.Repository, func() error) {
	if databaseURL == "" {
		log.Println("DATABASE_URL not set — restart history will be unavailable")
		return nil, nil
	}
	repo, closer, err := history.Open(databaseURL, "migrations")
	if err != nil {
		log.Printf("history: failed to connect, continuing without persistence: %v", err)
		return nil, nil
	}
	return repo, closer
}

func historyReader(repo *history.Repository) api.HistoryReader {
	if repo == nil {
		return nil
	}
	return repo
}

// initClusterStatus wraps the cluster status aggregator with a Redis cache
// when REDIS_URL is configured, falling back to a direct read otherwise.
func initClusterStatus(topo *topology.Cluster, b *broker.Client, h *health.Checker, redisURL string) api.ClusterStatusProvider {
	aggregator := api.NewClusterStatusAggregator(topo, b, h)
	if redisURL == "" {
		log.Println("REDIS_URL not set — cluster status reads are uncached")
		return api.DirectClusterStatusReader{Delegate: aggregator}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("cache: invalid REDIS_URL, falling back to uncached reads: %v", err)
		return api.DirectClusterStatusReader{Delegate: aggregator}
	}
	client := redis.NewClient(opt)
	return cache.NewCachedClusterStatusReader(aggregator, client, nil)
}
