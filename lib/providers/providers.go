// Package providers holds the wire providers that assemble the worker.
package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/procurator/worker/cmd/worker/config"
	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/logger"
	"github.com/procurator/worker/lib/network"
	"github.com/procurator/worker/lib/node"
	"github.com/procurator/worker/lib/otel"
	"github.com/procurator/worker/lib/paths"
	"github.com/procurator/worker/lib/runtime"
	"github.com/procurator/worker/lib/vms"

	// Backends register themselves with hypervisor.Register
	_ "github.com/procurator/worker/lib/hypervisor/cloudhypervisor"
	_ "github.com/procurator/worker/lib/hypervisor/libvirt"
	_ "github.com/procurator/worker/lib/hypervisor/mock"
	_ "github.com/procurator/worker/lib/hypervisor/qemu"
)

// ProvideLogger provides the VMs subsystem logger wrapped so records tagged
// with vm_id also land in that VM's worker.log.
func ProvideLogger(p *otel.Provider, pth *paths.Paths) *slog.Logger {
	base := logger.NewSubsystemLogger(logger.SubsystemVMs, logger.NewConfig(), p.LogHandler)
	return slog.New(logger.NewVMLogHandler(base.Handler(), func(id string) string {
		vp, err := pth.VM(id)
		if err != nil {
			return ""
		}
		return vp.WorkerLog()
	}))
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvidePaths provides the artifacts directory layout
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.VMArtifactsDir)
}

// ProvideBackend constructs the configured hypervisor backend. The cleanup
// closes backends holding a connection.
func ProvideBackend(ctx context.Context, cfg *config.Config, pth *paths.Paths, p *otel.Provider) (hypervisor.Backend, func(), error) {
	backend, err := hypervisor.New(ctx, hypervisor.Type(cfg.Hypervisor), hypervisor.Options{
		Paths:                 pth,
		QEMUBinary:            cfg.QEMUBinary,
		CloudHypervisorBinary: cfg.CloudHypervisorBinary,
		LibvirtURI:            cfg.LibvirtURI,
		Meter:                 p.MeterFor("hypervisor"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create %s backend: %w", cfg.Hypervisor, err)
	}
	cleanup := func() {
		if c, ok := backend.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				logger.FromContext(ctx).WarnContext(ctx, "failed to close backend", "error", err)
			}
		}
	}
	return backend, cleanup, nil
}

// ProvideNetworkManager provides the TAP and address manager
func ProvideNetworkManager(cfg *config.Config, p *otel.Provider) (*network.Manager, error) {
	return network.NewManager(network.Config{
		Bridge: cfg.NetworkBridge,
		Subnet: cfg.VMSubnetBase,
	}, nil, p.MeterFor("network"))
}

// ProvideController provides the runtime controller
func ProvideController() *runtime.Controller {
	return runtime.NewController()
}

// ProvideVMManager provides the VM manager
func ProvideVMManager(ctx context.Context, cfg *config.Config, backend hypervisor.Backend, nm *network.Manager,
	controller *runtime.Controller, p *otel.Provider) (*vms.Manager, error) {
	return vms.NewManager(ctx, cfg.VMs(), backend, nm, controller, p.MeterFor("vms"), p.TracerFor("vms"))
}

// ProvideNode provides the lifecycle node
func ProvideNode(cfg *config.Config, m *vms.Manager, p *otel.Provider) (*node.Node, error) {
	return node.New(m, cfg.NodeQueueCapacity, p.MeterFor("node"))
}
