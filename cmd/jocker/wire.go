//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/jocker/cmd/jocker/config"
	"github.com/onkernel/jocker/lib/containers"
	"github.com/onkernel/jocker/lib/images"
	"github.com/onkernel/jocker/lib/paths"
	"github.com/onkernel/jocker/lib/providers"
	"github.com/onkernel/jocker/lib/rootfs"
	"github.com/onkernel/jocker/lib/supervisor"
)

// application struct to hold initialized components
type application struct {
	Ctx              context.Context
	Logger           *slog.Logger
	Config           *config.Config
	Paths            *paths.Paths
	ImageManager     images.Manager
	Assembler        rootfs.Assembler
	ContainerManager containers.Manager
	Supervisor       *supervisor.Supervisor
}

// initializeApp is the injector function
func initializeApp(cfg *config.Config) (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvidePaths,
		providers.ProvideLayerStore,
		providers.ProvideImageManager,
		providers.ProvideAssembler,
		providers.ProvideContainerManager,
		providers.ProvideIsolator,
		providers.ProvideMeter,
		providers.ProvideSupervisorMetrics,
		providers.ProvideSupervisor,
		wire.Struct(new(application), "*"),
	))
}
