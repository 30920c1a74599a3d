package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/config"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/classifier"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector/clipboard"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector/file"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector/fswatch"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector/usb"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/enforce"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/outbox"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/pipeline"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/queue"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/rules"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/transport"
)

const defaultConfigName = "dlp-agent.yml"

func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		log.Printf("Warning: config file not found at %s, trying default locations", configArg)
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), defaultConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return defaultConfigName
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func main() {
	configArg := ""
	if len(os.Args) > 1 {
		configArg = os.Args[1]
	}
	configPath := findConfigFile(configArg)

	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config.ApplyEnv(cfg)
	config.ApplyDefaults(cfg)

	lc := cfg.DLP.Logging
	if err := logger.Init(lc.Enabled, lc.Level, lc.File, lc.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ac := cfg.DLP.Agent
	if ac.ID == "" {
		ac.ID = uuid.NewString()
		logger.Warnf("agent.id not set; using ephemeral id %s", ac.ID)
	}
	logger.Infof("DLP agent %s (%s) starting", ac.ID, ac.Name)
	logger.Infof("Config loaded from: %s", configPath)

	m := metrics.New("dlp_agent")

	client, err := transport.NewClient(transport.Config{
		ServerURL:   ac.ServerURL,
		BearerToken: ac.BearerToken,
		Timeout:     ac.RequestTimeout,
		Compress:    true,
	})
	if err != nil {
		logger.Errorf("Failed to create server client: %v", err)
		log.Fatalf("Failed to create server client: %v", err)
	}

	ob, err := outbox.Open(resolve(ac.WorkDir, ac.Outbox.Path), ac.Outbox.Capacity)
	if err != nil {
		logger.Errorf("Failed to open outbox: %v", err)
		log.Fatalf("Failed to open outbox: %v", err)
	}
	defer ob.Close()

	quarantineDir := resolve(ac.WorkDir, ac.QuarantineFolder)
	excludes := fswatch.NewExcludeSet(ac.Collectors.File.Excludes...)
	excludes.Add(quarantineDir)
	excludes.Add(filepath.Dir(resolve(ac.WorkDir, ac.Outbox.Path)))
	if lc.File != "" {
		excludes.Add(filepath.Dir(lc.File))
	}
	evaluator := rules.NewEvaluator(nil)
	refresher := rules.NewRefresher(rules.SourceFunc(client.FetchPolicies), evaluator, ac.PolicySyncInterval, ac.RequestTimeout, m)

	var collectors []collector.Collector
	cc := ac.Collectors
	if cc.File.Enabled {
		collectors = append(collectors, file.New(file.Config{
			Paths:    cc.File.Paths,
			WorkDir:  ac.WorkDir,
			Excludes: excludes,
			Settle:   cc.File.Settle,
		}))
	}
	if cc.Clipboard.Enabled {
		collectors = append(collectors, clipboard.New(clipboard.System{}, cc.Clipboard.PollInterval))
	}
	if cc.USB.Enabled {
		collectors = append(collectors, usb.New(usb.Config{MonitorCopies: cc.USB.MonitorCopies, ScanInterval: cc.USB.ScanInterval}, nil))
	}
	if len(collectors) == 0 {
		logger.Warnf("No collectors enabled; the agent will only report heartbeats")
	}

	agent := pipeline.NewAgent(pipeline.AgentConfig{
		ID:    ac.ID,
		Name:  ac.Name,
		Queue: queue.New(ac.QueueCapacity),
		Classifier: classifier.New(classifier.Options{
			Threshold: ac.Classifier.ConfidenceThreshold,
			MaxSize:   ac.Classifier.MaxFileSize(),
		}),
		Workers:   ac.Classifier.Workers,
		Evaluator: evaluator,
		Refresher: refresher,
		Enforcer: enforce.New(enforce.Config{
			QuarantineDir: quarantineDir,
			Clipboard:     clipboard.System{},
			Excludes:      excludes,
			Metrics:       m,
		}),
		Outbox:     ob,
		Client:     client,
		Collectors: collectors,
		Delivery: pipeline.DeliveryConfig{
			BatchSize:     ac.Delivery.BatchSize,
			FlushInterval: ac.Delivery.FlushInterval,
			MinBackoff:    ac.Delivery.MinBackoff,
			MaxBackoff:    ac.Delivery.MaxBackoff,
			Retention:     ac.Outbox.Retention,
		},
		HeartbeatInterval: ac.HeartbeatInterval,
		Metrics:           m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsSrv *http.Server
	if cfg.DLP.Metrics.Enabled {
		metricsSrv = startMetrics(cfg.DLP.Metrics.Listen, m)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := agent.Run(ctx); err != nil {
			logger.Errorf("Agent error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-done:
	}

	logger.Infof("Shutting down")
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warnf("Agent did not stop within 10s")
	}
	if metricsSrv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		stop()
	}
	logger.Infof("DLP agent stopped")
	logger.Sync()
}

func startMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()
	logger.Infof("Metrics listening on %s", addr)
	return srv
}
