//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/procurator/worker/cmd/worker/config"
	"github.com/procurator/worker/lib/network"
	"github.com/procurator/worker/lib/node"
	"github.com/procurator/worker/lib/otel"
	"github.com/procurator/worker/lib/providers"
	"github.com/procurator/worker/lib/runtime"
	"github.com/procurator/worker/lib/vms"
)

// application struct to hold initialized components
type application struct {
	Ctx            context.Context
	Logger         *slog.Logger
	Config         *config.Config
	NetworkManager *network.Manager
	Controller     *runtime.Controller
	VMManager      *vms.Manager
	Node           *node.Node
}

// initializeApp is the injector function
func initializeApp(cfg *config.Config, otelProvider *otel.Provider) (*application, func(), error) {
	panic(wire.Build(
		providers.ProvidePaths,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvideBackend,
		providers.ProvideNetworkManager,
		providers.ProvideController,
		providers.ProvideVMManager,
		providers.ProvideNode,
		wire.Struct(new(application), "*"),
	))
}
