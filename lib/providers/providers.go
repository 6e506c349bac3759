package providers

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onkernel/jocker/cmd/jocker/config"
	"github.com/onkernel/jocker/lib/containers"
	"github.com/onkernel/jocker/lib/images"
	"github.com/onkernel/jocker/lib/isolation"
	"github.com/onkernel/jocker/lib/layers"
	"github.com/onkernel/jocker/lib/logger"
	jotel "github.com/onkernel/jocker/lib/otel"
	"github.com/onkernel/jocker/lib/paths"
	"github.com/onkernel/jocker/lib/rootfs"
	"github.com/onkernel/jocker/lib/supervisor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ProvideContext provides the base context. It carries the logger and is
// cancelled by SIGINT or SIGTERM, so an interrupted command unwinds through
// its cleanup paths instead of dying mid-write.
func ProvideContext(log *slog.Logger) (context.Context, func()) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return logger.AddToContext(ctx, log), stop
}

// ProvideLogger provides a structured logger at the configured level
func ProvideLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logCfg := logger.NewConfig()
	logCfg.Level = level
	logCfg.ReportTimestamp = level == slog.LevelDebug
	log := logger.New(logCfg)
	slog.SetDefault(log)
	return log, nil
}

// ProvidePaths provides the data directory layout
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir)
}

// ProvideLayerStore provides the content-addressed layer store
func ProvideLayerStore(p *paths.Paths, cfg *config.Config, log *slog.Logger) (layers.Store, error) {
	alg, err := layers.ParseAlgorithm(cfg.LayerDigest)
	if err != nil {
		return nil, err
	}
	return layers.NewStore(p, layers.Config{Algorithm: alg}, log)
}

// ProvideImageManager provides the image manager
func ProvideImageManager(p *paths.Paths, store layers.Store, cfg *config.Config, log *slog.Logger) images.Manager {
	return images.NewManager(p, store, images.Config{
		MaxImportBytes: int64(cfg.ImportMaxSize.Bytes()),
	}, log)
}

// ProvideAssembler provides the root filesystem assembler
func ProvideAssembler(p *paths.Paths, store layers.Store, cfg *config.Config, log *slog.Logger) (rootfs.Assembler, error) {
	strategy, err := rootfs.ParseStrategy(cfg.RootfsStrategy)
	if err != nil {
		return nil, err
	}
	return rootfs.NewAssembler(p, store, strategy, log), nil
}

// ProvideContainerManager provides the container registry
func ProvideContainerManager(p *paths.Paths, assembler rootfs.Assembler, log *slog.Logger) containers.Manager {
	return containers.NewManager(p, assembler, log)
}

// ProvideIsolator provides the namespace isolator
func ProvideIsolator(log *slog.Logger) isolation.Isolator {
	return isolation.NewIsolator(log)
}

// metricsFlushTimeout bounds the final metric export on exit
const metricsFlushTimeout = 5 * time.Second

// ProvideMeter provides the meter for engine metrics. Measurements are
// exported over OTLP when an endpoint is configured and discarded otherwise.
// The cleanup flushes pending measurements.
func ProvideMeter(ctx context.Context, cfg *config.Config, log *slog.Logger) (metric.Meter, func(), error) {
	shutdown, err := jotel.Init(ctx, jotel.Config{
		Endpoint:       cfg.OtelEndpoint,
		Insecure:       cfg.OtelInsecure,
		ServiceName:    "jocker",
		ServiceVersion: cfg.Version,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsFlushTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.WarnContext(ctx, "failed to flush metrics", "error", err)
		}
	}
	return otel.Meter("github.com/onkernel/jocker"), cleanup, nil
}

// ProvideSupervisorMetrics provides run metrics
func ProvideSupervisorMetrics(meter metric.Meter) (*supervisor.Metrics, error) {
	return supervisor.NewMetrics(meter)
}

// ProvideSupervisor provides the container supervisor
func ProvideSupervisor(
	imageManager images.Manager,
	assembler rootfs.Assembler,
	containerManager containers.Manager,
	isolator isolation.Isolator,
	metrics *supervisor.Metrics,
	cfg *config.Config,
	log *slog.Logger,
) *supervisor.Supervisor {
	return supervisor.New(imageManager, assembler, containerManager, isolator, metrics, supervisor.Config{
		StopTimeout: cfg.StopTimeout,
	}, log)
}
