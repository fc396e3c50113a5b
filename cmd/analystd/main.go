// Analystd is the analysis pipeline daemon.
//
// The daemon wires the tiered memory substrate (redis, Qdrant or embedded
// chromem), the admission governor, the learning promotion pipeline and the
// stage graph executor, then consumes run requests off the NATS bus until
// it is signalled to stop.
//
// Configuration comes from an optional YAML file plus environment
// variables. See internal/config for the full option list.
//
// Usage:
//
//	# Start with defaults
//	analystd
//
//	# Point at a config file
//	analystd -config /etc/analystd/config.yaml
//
//	# Configure via environment
//	CACHE_URL=redis://localhost:6379 ADMISSION_BUDGET_CEILING=50000 analystd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lodestarlabs/analystd/internal/admission"
	"github.com/lodestarlabs/analystd/internal/cache"
	"github.com/lodestarlabs/analystd/internal/config"
	"github.com/lodestarlabs/analystd/internal/embeddings"
	"github.com/lodestarlabs/analystd/internal/inference"
	"github.com/lodestarlabs/analystd/internal/learning"
	"github.com/lodestarlabs/analystd/internal/logging"
	"github.com/lodestarlabs/analystd/internal/memory"
	"github.com/lodestarlabs/analystd/internal/pipeline"
	"github.com/lodestarlabs/analystd/internal/telemetry"
	"github.com/lodestarlabs/analystd/internal/vectorstore"
	"github.com/lodestarlabs/analystd/internal/warehouse"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const runTimeout = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  analystd           Start the analystd daemon\n")
			fmt.Fprintf(os.Stderr, "  analystd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("analystd by Lodestar Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run initializes all dependencies, subscribes to the run request subject
// and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting analystd",
		zap.String("version", version),
		zap.String("service", cfg.Telemetry.ServiceName),
	)

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// L1 tier plus ledger and breaker state.
	redisCache, err := cache.NewRedisCache(cache.RedisOptions{
		URL:            cfg.Cache.URL,
		ConnectTimeout: cfg.Cache.ConnectTimeout,
		ReadTimeout:    cfg.Cache.ReadTimeout,
		WriteTimeout:   cfg.Cache.WriteTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := redisCache.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}()

	embedder, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embedding.Provider,
		Dimension: cfg.Embedding.Dimension,
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
	})
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	defer func() {
		_ = embedder.Close()
	}()

	episodic, semantic, err := openStores(cfg, embedder.Dimension(), logger)
	if err != nil {
		return fmt.Errorf("opening vector stores: %w", err)
	}
	defer func() {
		_ = episodic.Close()
		_ = semantic.Close()
	}()

	manager, err := memory.NewManager(redisCache, episodic, semantic, embedder, memory.ManagerConfig{
		TraceTTL:    cfg.Memory.TraceTTL,
		RecallLimit: cfg.Memory.EpisodicRecallLimit,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating memory manager: %w", err)
	}

	controller, err := admission.NewController(redisCache, admission.Config{
		BudgetCeiling:  cfg.Admission.BudgetCeiling,
		P95ThresholdMs: float64(cfg.Admission.LatencyP95Threshold.Milliseconds()),
		DriftThreshold: cfg.Admission.DriftThreshold,
		WindowSize:     cfg.Admission.LatencyWindow,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating admission controller: %w", err)
	}

	promoter, err := learning.NewPromoter(episodic, semantic, embedder, logger)
	if err != nil {
		return fmt.Errorf("creating learning promoter: %w", err)
	}

	client, err := inference.NewLangchainClient(inference.LangchainConfig{
		BaseURL: cfg.Inference.BaseURL,
		Model:   cfg.Inference.Model,
		APIKey:  cfg.Inference.APIKey,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating inference client: %w", err)
	}

	// The bus is optional: without it the daemon still serves purge and
	// state inspection, it just has no run intake.
	var publisher warehouse.Publisher = warehouse.NopPublisher{}
	var natsPublisher *warehouse.NATSPublisher
	if cfg.Warehouse.URL != "" {
		natsPublisher, err = warehouse.Connect(warehouse.NATSConfig{URL: cfg.Warehouse.URL}, logger)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		publisher = natsPublisher
		defer func() {
			if err := natsPublisher.Close(); err != nil {
				logger.Warn("NATS drain failed", zap.Error(err))
			}
		}()
	}

	executor, err := pipeline.NewExecutor(pipeline.Deps{
		Inference: client,
		Memory:    manager,
		Gate:      controller,
		Promoter:  promoter,
		Warehouse: publisher,
		Logger:    logger,
	}, pipeline.Config{
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
		MaxIterations:       cfg.Pipeline.MaxIterations,
		StageTimeout:        cfg.Pipeline.StageTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	if natsPublisher != nil {
		sub, err := warehouse.SubscribeRuns(ctx, natsPublisher.Conn(), func(reqCtx context.Context, req warehouse.RunRequest) {
			handleRun(reqCtx, executor, manager, req, logger)
		}, logger)
		if err != nil {
			return fmt.Errorf("subscribing to run requests: %w", err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()

		logger.Info("consuming run requests", zap.String("subject", warehouse.SubjectRuns))
	} else {
		logger.Warn("no warehouse URL configured, daemon has no run intake")
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// openStores opens the episodic (L2) and semantic (L3) tiers. Qdrant is
// preferred; when it is unreachable the daemon falls back to the embedded
// chromem store so a single-node deployment needs no extra service.
func openStores(cfg *config.Config, dimension int, logger *zap.Logger) (episodic, semantic vectorstore.Store, err error) {
	size := storeVectorSize(cfg, dimension)

	episodic, qerr := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		UseTLS:     cfg.Qdrant.UseTLS,
		Namespace:  "episodic",
		VectorSize: uint64(size),
	}, logger)
	if qerr == nil {
		semantic, err = vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			UseTLS:     cfg.Qdrant.UseTLS,
			Namespace:  "semantic",
			VectorSize: uint64(size),
		}, logger)
		if err != nil {
			_ = episodic.Close()
			return nil, nil, err
		}
		logger.Info("using qdrant vector store",
			zap.String("host", cfg.Qdrant.Host),
			zap.Int("port", cfg.Qdrant.Port),
		)
		return episodic, semantic, nil
	}

	logger.Warn("qdrant unreachable, falling back to embedded store", zap.Error(qerr))

	episodic, err = vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       cfg.Chromem.Path,
		Compress:   cfg.Chromem.Compress,
		Namespace:  "episodic",
		VectorSize: size,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	semantic, err = vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       cfg.Chromem.Path,
		Compress:   cfg.Chromem.Compress,
		Namespace:  "semantic",
		VectorSize: size,
	}, logger)
	if err != nil {
		_ = episodic.Close()
		return nil, nil, err
	}
	return episodic, semantic, nil
}

// storeVectorSize resolves the collection dimension: the configured
// override wins, otherwise the embedder's reported dimension is used.
func storeVectorSize(cfg *config.Config, dimension int) int {
	if cfg.Qdrant.VectorSize > 0 {
		return cfg.Qdrant.VectorSize
	}
	return dimension
}

// handleRun executes one run request and feeds the outcome back into
// short-term memory so follow-up runs on the same thread see it.
func handleRun(ctx context.Context, executor *pipeline.Executor, manager *memory.Manager, req warehouse.RunRequest, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	result, err := executor.Run(runCtx, pipeline.Input{
		WorkspaceID: req.WorkspaceID,
		ThreadID:    req.ThreadID,
		Query:       req.Query,
	})
	if err != nil {
		logger.Error("run failed",
			zap.String("workspace_id", req.WorkspaceID),
			zap.Error(err),
		)
		return
	}

	if req.ThreadID != "" && result.Reflection != "" {
		important := result.Status == pipeline.StatusCompleted
		if err := manager.StoreTrace(runCtx, req.WorkspaceID, req.ThreadID, result.Reflection, important, map[string]any{
			"run_id": result.RunID,
			"status": string(result.Status),
		}); err != nil {
			logger.Warn("storing run trace failed",
				zap.String("run_id", result.RunID),
				zap.Error(err),
			)
		}
	}
}
