// Command shelter-server is the shelter telemetry/supply-management
// server: the Dispatcher (C9) plus its three independent tasks (C4 alert
// producer, C5 power-outage producer, C7 REST query server), all
// supervised under one errgroup, grounded on go/runtime/proxy.go's direct
// use of golang.org/x/sync/errgroup in place of the teacher's heavier
// gazette task.Group (see DESIGN.md).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/francoriba/shelter-server-HPC/internal/alerts"
	"github.com/francoriba/shelter-server-HPC/internal/config"
	"github.com/francoriba/shelter-server-HPC/internal/dispatch"
	"github.com/francoriba/shelter-server-HPC/internal/httpapi"
	"github.com/francoriba/shelter-server-HPC/internal/imaging"
	"github.com/francoriba/shelter-server-HPC/internal/ops"
	"github.com/francoriba/shelter-server-HPC/internal/poweroutage"
	"github.com/francoriba/shelter-server-HPC/internal/store"
	"github.com/francoriba/shelter-server-HPC/internal/supplies"
	"github.com/francoriba/shelter-server-HPC/internal/wire"
)

const banner = ` _       __     __                             _____            ___       __          _
| |     / /__  / /________  ____ ___  ___     / ___/__  _______/   | ____/ /___ ___  (_)___
| | /| / / _ \/ / ___/ __ \/ __ ` + "`" + `__ \/ _ \    \__ \/ / / / ___/ /| |/ __  / __ ` + "`" + `__ \/ / __ \
| |/ |/ /  __/ / /__/ /_/ / / / / / /  __/   ___/ / /_/ (__  ) ___ / /_/ / / / / / / / / / /
|__/|__/\___/_/\___/\____/_/ /_/ /_/\___/   /____/\__, /____/_/  |_|\__,_/_/ /_/ /_/_/_/ /_/
                                                   /____/
`

func main() {
	color.New(color.FgCyan).Println(banner)

	cfg, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Error("shelter-server exiting with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := ops.EnsureDirs(cfg.Paths); err != nil {
		return fmt.Errorf("bootstrapping directories: %w", err)
	}

	logFile, err := ops.InitLog(cfg.Log, cfg.Paths)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logFile.Close()

	log.WithFields(log.Fields{
		"tcp_port": cfg.Network.TCPPort, "udp_port": cfg.Network.UDPPort,
	}).Info("shelter-server starting")

	s, err := store.Open(cfg.Paths.StoreDir)
	if err != nil {
		// StoreUnavailable during boot aborts startup (spec.md §7).
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	model := supplies.New(s)
	if err := model.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrapping supply aggregates: %w", err)
	}

	ids := store.NewIdGen()
	handler := wire.NewHandler(s, model, ids)
	if err := handler.RehydrateIds(); err != nil {
		return fmt.Errorf("rehydrating id generators: %w", err)
	}
	if err := handler.RecordBoot(); err != nil {
		return fmt.Errorf("recording boot event: %w", err)
	}

	pipeline, err := imaging.New(cfg.Paths.InputImageDir, cfg.Paths.ArchiveDir, cfg.Paths.WorkingImageDir, nil)
	if err != nil {
		return fmt.Errorf("building image pipeline: %w", err)
	}

	tcpAddr := fmt.Sprintf("[::]:%d", cfg.Network.TCPPort)
	udpAddr := fmt.Sprintf("[::]:%d", cfg.Network.UDPPort)
	dispatcher := dispatch.New(handler, pipeline, tcpAddr, udpAddr, cfg.Paths.ShutdownSocket, cfg.Paths.AlertFifo, cfg.Image.LegacyDelay)

	rootCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stopSignals()

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()
	dispatcher.Cancel = cancel

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return dispatcher.Run(gctx) })

	group.Go(func() error {
		return alerts.New(cfg.Paths.AlertFifo).Run(gctx)
	})

	group.Go(func() error {
		return poweroutage.New(cfg.Paths.ShutdownSocket).Run(gctx)
	})

	group.Go(func() error {
		return httpapi.New(s, cfg.Network.HTTPAddr).Run(gctx)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	log.Info("shelter-server shut down cleanly")
	return nil
}
