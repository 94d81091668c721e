// Command coreinit is the core's boot entrypoint (spec §6 "Boot
// protocol"): it receives the bootstrap's untyped array and slot range,
// builds every singleton, and runs until signaled to stop. Daemonization
// (PID file, signal handling, privilege drop) is delegated to
// gopkg.in/hlandau/service.v1 the way linuxUtils' shiftfs helper reaches
// into the same module for its setuid helper, given an actual service
// entrypoint to wrap here.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/hlandau/service.v1"

	"github.com/AmbiML/sparrowos-core/internal/bootcfg"
	"github.com/AmbiML/sparrowos-core/internal/devstore"
	"github.com/AmbiML/sparrowos-core/internal/irqwatch"
	"github.com/AmbiML/sparrowos-core/pkg/bundlebuilder"
	"github.com/AmbiML/sparrowos-core/pkg/mlcoord"
	"github.com/AmbiML/sparrowos-core/pkg/mlimage"
	"github.com/AmbiML/sparrowos-core/pkg/memmgr"
	"github.com/AmbiML/sparrowos-core/pkg/procmgr"
	"github.com/AmbiML/sparrowos-core/pkg/sdkruntime"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
	"github.com/AmbiML/sparrowos-core/pkg/sel4/simkernel"
	"github.com/AmbiML/sparrowos-core/pkg/slotalloc"
	"github.com/AmbiML/sparrowos-core/pkg/timerset"
	"github.com/spf13/afero"
)

var configPath = flag.String("config", "/etc/sparrowos/core.toml", "boot-time system configuration file")

// core bundles every component coreinit wires together, and is the
// service.Runnable the hlandau/service.v1 wrapper stops on shutdown.
type core struct {
	log    *logrus.Logger
	cancel context.CancelFunc
	watch  *irqwatch.Watcher
}

// Stop satisfies gopkg.in/hlandau/service.v1's Runnable: it cancels the
// boot context, which in turn unblocks the interrupt watcher's Wait and
// the SDK Runtime's dispatch loop.
func (c *core) Stop() error {
	c.cancel()
	<-c.watch.Done()
	return nil
}

func loadConfig(path string) (bootcfg.SystemConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return bootcfg.DefaultConfig(), nil
		}
		return bootcfg.SystemConfig{}, err
	}
	defer f.Close()
	return bootcfg.Load(f)
}

// start wires memory management, bundle construction, process
// management, ML image residency, ML scheduling, the SDK Runtime
// dispatch loop, and the return-interrupt watcher into one running core,
// the in-process equivalent of the boot protocol's handoff (spec §6).
func start(log *logrus.Logger, cfg bootcfg.SystemConfig) (service.Runnable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kernel, err := simkernel.New(log, 1<<24)
	if err != nil {
		return nil, err
	}

	descs := []sel4.UntypedDescriptor{
		{PhysAddr: cfg.Slots.Base, SizeLog2: 20},
	}
	mem, err := memmgr.Init(log, kernel, descs, []uint64{1 << 20}, 1, 32, sel4.CapIndex(cfg.Slots.Base))
	if err != nil {
		return nil, err
	}

	slots := slotalloc.New(sel4.CapIndex(cfg.Slots.Base)+1, cfg.Slots.Count)

	builderConfig := bundlebuilder.Config{
		TopLevelCNode:   1,
		TopLevelDepth:   32,
		ASIDPool:        2,
		SchedAuthority:  3,
		MaxPriority:     255,
		Priority:        100,
		BudgetUs:        10000,
		PeriodUs:        10000,
		CPU:             0,
		DebugNames:      true,
		SDKEndpointSlot: sel4.CapIndex(cfg.SDKOpcodeBase),
	}
	builder := bundlebuilder.New(log, kernel, mem, slots, builderConfig)

	store, err := devstore.New(afero.NewOsFs(), "/var/lib/sparrowos")
	if err != nil {
		return nil, err
	}

	procs := procmgr.New(log, builder, store)
	_ = procs

	images := mlimage.New(log, noopAccelerator{}, cfg.TCM.Base, cfg.TCM.Size)
	coord := mlcoord.New(log, images, noopMLAccelerator{}, store, noopNotifier{})

	resolver := noopResolver{}
	timers := timerset.New()
	_ = timers
	rt := sdkruntime.New(log, kernel, sel4.CapIndex(cfg.SDKOpcodeBase), coord, resolver)

	ctx, cancel := context.WithCancel(context.Background())

	watch := irqwatch.New(log, kernel, sel4.CapIndex(cfg.Slots.Base)+1, coord.HandleReturnInterrupt)
	watch.Start(ctx)

	go func() {
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("coreinit: SDK runtime dispatch loop exited")
		}
	}()

	return &core{log: log, cancel: cancel, watch: watch}, nil
}

func main() {
	flag.Parse()

	log := logrus.New()

	service.Main(&service.Info{
		Name:          "sparrowos-core",
		Description:   "seL4 capability OS core: object/memory manager, bundle builder, ML coordinator, SDK runtime",
		DefaultChroot: "/",
		AllowRoot:     true,
		NewConfig: func() (interface{}, error) {
			return loadConfig(*configPath)
		},
		Start: func(cfgIface interface{}) (service.Runnable, error) {
			return start(log, cfgIface.(bootcfg.SystemConfig))
		},
	})
}
