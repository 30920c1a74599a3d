package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/config"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/baseline"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/classifier"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector/cloud"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/enforce"
	inputredis "github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/input/redis"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/output/recordclickhouse"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/output/recordhttp"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/output/recordjson"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/output/recordnats"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/pipeline"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/queue"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/rules"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/server"
)

const defaultConfigName = "dlp-server.yml"

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

func newRecordWriters(oc config.OutputConfig) ([]pipeline.RecordWriter, error) {
	switch oc.Mode {
	case "none":
		logger.Infof("Output mode: none")
		return nil, nil
	case "file":
		w, err := recordjson.NewWriter(oc.File.Path)
		if err != nil {
			return nil, err
		}
		logger.Infof("Output mode: file (%s)", oc.File.Path)
		return []pipeline.RecordWriter{w}, nil
	case "http":
		w, err := recordhttp.NewWriter(recordhttp.Config{
			URL:        oc.HTTP.URL,
			Timeout:    oc.HTTP.Timeout,
			Headers:    oc.HTTP.Headers,
			MaxRecords: oc.HTTP.MaxRecords,
			Compress:   oc.HTTP.Compress,
		})
		if err != nil {
			return nil, err
		}
		logger.Infof("Output mode: http (%s)", oc.HTTP.URL)
		return []pipeline.RecordWriter{w}, nil
	case "clickhouse":
		ch := oc.ClickHouse
		w, err := recordclickhouse.NewWriter(recordclickhouse.Config{
			URL:      ch.URL,
			Database: ch.Database,
			Table:    ch.Table,
			Username: ch.Username,
			Password: ch.Password,
			Timeout:  ch.Timeout,
			Headers:  ch.Headers,
		})
		if err != nil {
			return nil, err
		}
		logger.Infof("Output mode: clickhouse (%s/%s.%s)", ch.URL, ch.Database, ch.Table)
		return []pipeline.RecordWriter{w}, nil
	case "nats":
		w, err := recordnats.NewWriter(recordnats.Config{URL: oc.NATS.URL, Subject: oc.NATS.Subject})
		if err != nil {
			return nil, err
		}
		logger.Infof("Output mode: nats (%s %s)", oc.NATS.URL, oc.NATS.Subject)
		return []pipeline.RecordWriter{w}, nil
	default:
		return nil, errors.New("unknown output mode: " + oc.Mode)
	}
}

func newBaselineStore(sc config.ServerConfig) (baseline.Store, error) {
	switch sc.Baseline.Store {
	case "redis":
		rc := sc.Baseline.Redis
		logger.Infof("Baseline store: redis (%s %s)", rc.Addr, rc.KeyPrefix)
		return baseline.NewRedisStore(baseline.RedisConfig{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
		})
	case "sqlite":
		logger.Infof("Baseline store: sqlite (%s)", sc.DatabasePath)
		return baseline.NewSQLiteStore(sc.DatabasePath)
	default:
		return nil, errors.New("unknown baseline store: " + sc.Baseline.Store)
	}
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

	sc := cfg.DLP.Server
	logger.Infof("DLP server starting")
	logger.Infof("Config loaded from: %s", configPath)

	m := metrics.New("dlp_server")

	store, err := server.OpenStore(sc.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open record store: %v", err)
		log.Fatalf("Failed to open record store: %v", err)
	}
	defer store.Close()

	evaluator := rules.NewEvaluator(nil)
	var refresher *rules.Refresher
	if strings.TrimSpace(sc.PolicyFile) == "" {
		logger.Warnf("server.policy_file is empty; every event gets the default log decision")
	} else {
		refresher = rules.NewRefresher(rules.FileSource{Path: sc.PolicyFile}, evaluator, sc.PolicyRefreshInterval, 10*time.Second, m)
	}

	writers, err := newRecordWriters(sc.Output)
	if err != nil {
		logger.Errorf("Failed to create record output: %v", err)
		log.Fatalf("Failed to create record output: %v", err)
	}
	fanout := pipeline.NewFanout(sc.Pipeline.BatchSize, sc.Pipeline.FlushInterval, writers...)

	var tracker *baseline.Tracker
	var poller *cloud.Poller
	if sc.Cloud.Enabled {
		bs, err := newBaselineStore(sc)
		if err != nil {
			logger.Errorf("Failed to open baseline store: %v", err)
			log.Fatalf("Failed to open baseline store: %v", err)
		}
		defer bs.Close()
		tracker = baseline.NewTracker(bs)

		drive, err := cloud.NewDriveClient(cloud.DriveConfig{
			APIURL:      sc.Cloud.APIURL,
			AccessToken: sc.Cloud.AccessToken,
			Timeout:     sc.Cloud.Timeout,
		})
		if err != nil {
			logger.Errorf("Failed to create drive client: %v", err)
			log.Fatalf("Failed to create drive client: %v", err)
		}
		poller = cloud.NewPoller(drive, tracker, sc.Cloud.Folders, sc.Cloud.PollInterval, m)
	}

	srvCfg := server.Config{
		Store:         store,
		Evaluator:     evaluator,
		Tracker:       tracker,
		Sink:          fanout,
		RecentIDCache: sc.RecentIDCache,
		Metrics:       m,
	}
	if poller != nil {
		srvCfg.Poller = poller
	}
	if sc.BearerToken != "" {
		want := []byte(sc.BearerToken)
		srvCfg.Verify = func(_ context.Context, token string) bool {
			return subtle.ConstantTimeCompare([]byte(token), want) == 1
		}
	}
	if sc.RateLimit.Enabled {
		srvCfg.RateLimit = rate.Limit(sc.RateLimit.RPS)
		srvCfg.Burst = sc.RateLimit.Burst
	}
	api, err := server.New(srvCfg)
	if err != nil {
		logger.Errorf("Failed to create API server: %v", err)
		log.Fatalf("Failed to create API server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("%s error: %v", name, err)
			}
		}()
	}

	// Output is drained after every producer has stopped.
	outCtx, stopOutput := context.WithCancel(context.Background())
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		_ = fanout.Run(outCtx)
	}()

	if refresher != nil {
		run("policy refresh", func(ctx context.Context) error { refresher.Run(ctx); return nil })
	}

	var cloudQueue *queue.Queue
	if poller != nil {
		cloudQueue = queue.New(sc.Cloud.QueueCapacity)
		processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
			Engine:   evaluator,
			Version:  func() string { return evaluator.Snapshot().Version() },
			Enforcer: enforce.New(enforce.Config{Metrics: m}),
			Sink:     api,
			Metrics:  m,
		})
		pool := classifier.NewPool(classifier.New(classifier.Options{}), cloudQueue, sc.Pipeline.Workers, processor.Handle)
		sink := &collector.StampSink{Next: cloudQueue, AgentID: server.LocalAgentID, Metrics: m}
		monitor := pipeline.NewQueueMonitor(cloudQueue, server.LocalAgentID, processor, m)
		run("classifier pool", pool.Run)
		run("cloud queue monitor", func(ctx context.Context) error { monitor.Run(ctx); return nil })
		run("cloud poller", func(ctx context.Context) error { return poller.Run(ctx, sink) })
	}

	var ingest *pipeline.RedisIngest
	if sc.Ingest.Redis.Enabled {
		rc := sc.Ingest.Redis.Redis
		consumer, err := inputredis.NewConsumer(inputredis.Config{
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			Key:          rc.Key,
			BlockTimeout: rc.BlockTimeout,
		})
		if err != nil {
			logger.Errorf("Failed to create Redis consumer: %v", err)
			log.Fatalf("Failed to create Redis consumer: %v", err)
		}
		ingest = pipeline.NewRedisIngest(consumer, api, sc.Pipeline.Workers, sc.Pipeline.BatchSize, sc.Pipeline.FlushInterval)
		run("redis ingest", ingest.Run)
	}

	httpSrv := &http.Server{Addr: sc.Listen, Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Infof("API listening on %s", sc.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("API server error: %v", err)
			cancel()
		}
	}()

	var metricsSrv *http.Server
	if cfg.DLP.Metrics.Enabled {
		metricsSrv = startMetrics(cfg.DLP.Metrics.Listen, m)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	logger.Infof("Shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("API shutdown: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	stop()

	cancel()
	if cloudQueue != nil {
		cloudQueue.Close()
	}
	wg.Wait()
	if ingest != nil {
		if err := ingest.Close(); err != nil {
			logger.Errorf("Error closing redis ingest: %v", err)
		}
	}

	stopOutput()
	<-outDone
	if err := fanout.Close(); err != nil {
		logger.Errorf("Error closing record output: %v", err)
	}

	logger.Infof("DLP server stopped")
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
