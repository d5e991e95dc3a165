package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"settlepay/chain"
	"settlepay/config"
	"settlepay/events"
	"settlepay/gateway"
	"settlepay/observability"
	"settlepay/observability/logging"
	telemetry "settlepay/observability/otel"
	"settlepay/rates"
	"settlepay/settle"
	"settlepay/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "settled.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("settled", cfg.Environment)

	insecureOTLP := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecureOTLP = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settled",
		Environment: cfg.Environment,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecureOTLP,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	store, err := storage.New(db)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}

	keyHex, err := cfg.OperatorKeyHex()
	if err != nil {
		log.Fatalf("operator key: %v", err)
	}
	operatorKey, err := chain.LoadOperatorKey(keyHex)
	if err != nil {
		log.Fatalf("operator key: %v", err)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDial()
	gateways := make(map[string]chain.Gateway, len(cfg.Chains))
	explorers := make(map[string]settle.TxLookup, len(cfg.Chains))
	for _, entry := range cfg.Chains {
		rpc, err := chain.Dial(dialCtx, entry.RPCURL)
		if err != nil {
			log.Fatalf("dial chain %s: %v", entry.ChainID, err)
		}
		gateways[entry.ChainID] = rpc
		if strings.TrimSpace(entry.ExplorerURL) != "" {
			explorers[entry.ChainID] = chain.NewExplorer(entry.ExplorerURL, entry.ExplorerAPIKey())
		}
		logger.Info("chain gateway ready", "chain_id", entry.ChainID, "name", entry.Name)
	}

	metrics := observability.Settlement()
	oracle := rates.NewOracle(cfg.RateAPIBaseURL, cfg.RateCacheTTL())
	sink := events.NewSink(cfg.EventsWebhookURL, events.WithLogger(logger))

	worker := settle.NewWorker(store, gateways, operatorKey, cfg.DisbursementQueueDepth,
		settle.WithWorkerLogger(logger),
		settle.WithWorkerMetrics(metrics),
		settle.WithWorkerPublisher(sink),
	)
	engine := settle.NewEngine(store, gateways, explorers, oracle, worker,
		settle.WithLogger(logger),
		settle.WithMetrics(metrics),
		settle.WithPublisher(sink),
		settle.WithPollTimeout(cfg.PollTimeout()),
	)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	worker.Start(runCtx, cfg.DisbursementWorkers)
	go sink.Run(runCtx)

	server := gateway.NewServer(engine, store, logger)
	srv := &http.Server{Addr: cfg.ListenAddress, Handler: server}

	go func() {
		logger.Info("settlement service listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	cancelRun()
	worker.Wait()
	for _, gw := range gateways {
		if rpc, ok := gw.(*chain.RPCGateway); ok {
			rpc.Close()
		}
	}
}

func openDatabase(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") {
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}
