package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/jetstream"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// TriggerDetail holds info for a single trigger within a batch.
type TriggerDetail struct {
	Subject   string
	AccountID string
}

// BatchTask represents a batch of triggers to be published by a worker.
type BatchTask struct {
	Triggers   []TriggerDetail
	NatsClient jetstream.ClientInterface
	Config     config.NATSConfig
}

const defaultBatchSize = 50

func main() {
	// --- Configuration & Flag Parsing ---
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	natsURL := flag.String("url", cfg.NATS.URL, "NATS server URL")
	subjectsStr := flag.String("subjects", cfg.NATS.SyncSubject, "Comma-separated list of trigger subjects")
	rate := flag.Int("rate", 10, "Target triggers per second (total)")
	duration := flag.Duration("duration", 1*time.Minute, "Load test duration")
	concurrency := flag.Int("concurrency", 4, "Number of concurrent workers")
	accountIDsStr := flag.String("account_ids", "", "Comma-separated list of account IDs")
	batchSize := flag.Int("batch-size", defaultBatchSize, "Number of triggers to publish per worker batch")
	metricsPort := flag.Int("metrics-port", 9091, "Port for Prometheus metrics endpoint")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Call Sync Trigger Load Generator\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Publishes sync and diagnostic trigger messages for voice-call-sync to NATS.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *batchSize <= 0 {
		*batchSize = defaultBatchSize
		fmt.Printf("Invalid batch size, using default: %d\n", defaultBatchSize)
	}
	if *rate <= 0 {
		fmt.Printf("Rate must be positive\n")
		os.Exit(1)
	}

	// --- Initialization ---
	if err := logger.Initialize(*logLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := startMetricsServer(*metricsPort)
	var metricsWg sync.WaitGroup
	metricsWg.Add(1)
	go func() {
		defer metricsWg.Done()
		<-ctx.Done()
		logger.Log.Info("Shutting down metrics server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Metrics server shutdown error", zap.Error(err))
		}
	}()

	subjects := splitList(*subjectsStr)
	accountIDs := splitList(*accountIDsStr)
	if len(subjects) == 0 {
		logger.Log.Fatal("No subjects provided")
	}
	if len(accountIDs) == 0 {
		logger.Log.Fatal("No account IDs provided")
	}
	for _, subject := range subjects {
		if subject != cfg.NATS.SyncSubject && subject != cfg.NATS.DiagnosticSubject {
			logger.Log.Fatal("Unsupported trigger subject", zap.String("subject", subject))
		}
	}

	logger.Log.Info("Starting trigger load generator",
		zap.String("nats_url", *natsURL),
		zap.Strings("subjects", subjects),
		zap.Int("rate_per_sec", *rate),
		zap.Duration("duration", *duration),
		zap.Int("concurrency", *concurrency),
		zap.Int("batch_size", *batchSize),
		zap.Int("accounts", len(accountIDs)),
		zap.Int("metrics_port", *metricsPort),
	)

	natsClient, err := jetstream.NewClient(ctx, *natsURL)
	if err != nil {
		logger.Log.Fatal("Failed to connect to NATS", zap.String("url", *natsURL), zap.Error(err))
	}
	defer natsClient.Close()

	gofakeit.Seed(time.Now().UnixNano())

	// --- Worker Pool Setup ---
	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(*concurrency, func(data interface{}) {
		batchWorkerFunc(data, &wg)
	})
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var loopWg sync.WaitGroup
	loopWg.Add(1)
	loop := loadLoop{
		rate:      *rate,
		duration:  *duration,
		batchSize: *batchSize,
		subjects:  subjects,
		accounts:  accountIDs,
		client:    natsClient,
		cfg:       cfg.NATS,
		pool:      pool,
		wg:        &wg,
	}
	go func() {
		defer loopWg.Done()
		loop.run(ctx)
		cancel()
	}()

	select {
	case sig := <-sigChan:
		logger.Log.Info("Received termination signal, shutting down...", zap.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
		logger.Log.Info("Load generation duration finished")
	}

	// --- Graceful Shutdown ---
	loopWg.Wait()
	logger.Log.Info("Waiting for active publishing tasks to complete...")
	wg.Wait()
	metricsWg.Wait()

	logger.Log.Info("Load generator shutdown complete.")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func startMetricsServer(port int) *http.Server {
	logger.Log.Info("Starting Prometheus metrics server", zap.Int("port", port))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Failed to start Prometheus metrics server", zap.Error(err))
		}
	}()

	return server
}

// loadLoop submits rate-limited batches of triggers to the worker pool.
type loadLoop struct {
	rate      int
	duration  time.Duration
	batchSize int
	subjects  []string
	accounts  []string
	client    jetstream.ClientInterface
	cfg       config.NATSConfig
	pool      *ants.PoolWithFunc
	wg        *sync.WaitGroup
}

func (l *loadLoop) submit(batch []TriggerDetail) {
	if len(batch) == 0 {
		return
	}
	l.wg.Add(len(batch))
	if err := l.pool.Invoke(BatchTask{Triggers: batch, NatsClient: l.client, Config: l.cfg}); err != nil {
		logger.Log.Warn("Failed to invoke worker pool for batch", zap.Int("batch_size", len(batch)), zap.Error(err))
		l.wg.Add(-len(batch))
		for _, td := range batch {
			observer.IncLoadgenTrigger(td.Subject, "error")
		}
	}
}

func (l *loadLoop) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(l.rate))
	defer ticker.Stop()

	durationTimer := time.NewTimer(l.duration)
	defer durationTimer.Stop()

	counter := 0
	batch := make([]TriggerDetail, 0, l.batchSize)

	for {
		select {
		case <-ctx.Done():
			l.submit(batch)
			return
		case <-durationTimer.C:
			l.submit(batch)
			return
		case <-ticker.C:
			td := TriggerDetail{
				Subject:   l.subjects[counter%len(l.subjects)],
				AccountID: l.accounts[rand.Intn(len(l.accounts))],
			}
			counter++
			observer.IncLoadgenTrigger(td.Subject, "attempted")

			batch = append(batch, td)
			if len(batch) >= l.batchSize {
				l.submit(batch)
				batch = make([]TriggerDetail, 0, l.batchSize)
			}
		}
	}
}

// batchWorkerFunc publishes a batch of triggers.
func batchWorkerFunc(data interface{}, wg *sync.WaitGroup) {
	batch := data.(BatchTask)

	for _, td := range batch.Triggers {
		func(td TriggerDetail) {
			defer wg.Done()

			payload, err := buildPayload(batch.Config, td)
			if err != nil {
				logger.Log.Error("Failed to build trigger payload", zap.String("subject", td.Subject), zap.Error(err))
				observer.IncLoadgenTrigger(td.Subject, "error")
				return
			}

			headers := map[string]string{"Nats-Msg-Id": gofakeit.UUID()}
			if err := batch.NatsClient.Publish(td.Subject, payload, headers); err != nil {
				logger.Log.Error("Failed to publish trigger", zap.String("subject", td.Subject), zap.Error(err))
				observer.IncLoadgenTrigger(td.Subject, "error")
				return
			}
			observer.IncLoadgenTrigger(td.Subject, "published")
		}(td)
	}
}

func buildPayload(cfg config.NATSConfig, td TriggerDetail) ([]byte, error) {
	triggeredBy := "loadgen:" + gofakeit.Username()
	switch td.Subject {
	case cfg.SyncSubject:
		kind := model.SyncKindManual
		if gofakeit.Bool() {
			kind = model.SyncKindAuto
		}
		return utils.MustMarshalJSON(model.SyncRequestMessage{
			AccountID:   td.AccountID,
			Kind:        kind,
			TriggeredBy: triggeredBy,
		}), nil
	case cfg.DiagnosticSubject:
		end := time.Now().UTC()
		start := end.AddDate(0, 0, -gofakeit.Number(1, 30))
		return utils.MustMarshalJSON(model.DiagnosticRequestMessage{
			AccountID:   td.AccountID,
			Start:       start,
			End:         end,
			TriggeredBy: triggeredBy,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported subject %q", td.Subject)
	}
}
