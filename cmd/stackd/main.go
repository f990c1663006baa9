//go:build linux

// Command stackd is the daemon entry point: it loads an
// internal/config.Config, opens one internal/hostdriver.Driver per
// configured interface, wires them into an internal/stack.Stack, and
// runs until signaled. This is the process spec §5 describes — every
// protocol package up to this point is exercised only by unit tests
// and by each other's construction-time wiring; stackd is what
// actually puts a single global mutex, a scheduler goroutine, and a
// live NIC in the same process.
//
// Flag set, JSON slog setup, the prometheus metrics listener
// goroutine, and signal.NotifyContext shutdown are grounded directly
// on the teacher's client/doublezerod/cmd/doublezerod/main.go, which
// does all four for its own daemon in the same shape.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimblenet/corestack/internal/config"
	"github.com/nimblenet/corestack/internal/hostdriver"
	"github.com/nimblenet/corestack/internal/iface"
	"github.com/nimblenet/corestack/internal/stack"
)

var (
	bringupFile = flag.String("bringup", "", "path to a YAML bring-up file describing interfaces and NAT (day-zero state)")
	stateFile   = flag.String("state", "/var/run/corestackd/state.json", "path to the persisted JSON state file")
	metricsAddr = flag.String("metrics-addr", "", "address to listen on for prometheus metrics (empty disables)")
	verboseLog  = flag.Bool("v", false, "enable debug logging")
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *verboseLog {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go serveMetrics(logger, *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := stack.New(cfg, clockwork.NewRealClock(), logger)

	drivers := make(map[string]*hostdriver.Driver)
	index := 1
	for _, icfg := range cfg.InterfacesSnapshot() {
		drv, err := hostdriver.Open(icfg.Name)
		if err != nil {
			logger.Error("failed to open interface", "interface", icfg.Name, "error", err)
			os.Exit(1)
		}
		if _, err := st.AddInterface(icfg.Name, drv, index, drv.HardwareAddr()); err != nil {
			logger.Error("failed to add interface", "interface", icfg.Name, "error", err)
			os.Exit(1)
		}
		drivers[icfg.Name] = drv
		index++
	}

	if err := st.Start(ctx); err != nil {
		logger.Error("failed to start stack", "error", err)
		os.Exit(1)
	}

	for name, drv := range drivers {
		ifc, ok := st.InterfaceByName(name)
		if !ok {
			continue
		}
		go func(drv *hostdriver.Driver, ifc *iface.Interface) {
			err := drv.ReceiveLoop(ctx, func(frame []byte) {
				if err := st.Input(ifc, frame); err != nil {
					logger.Debug("frame dropped", "interface", ifc.Name(), "error", err)
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("receive loop exited", "interface", ifc.Name(), "error", err)
			}
		}(drv, ifc)
	}

	logger.Info("stackd running", "interfaces", len(drivers))
	<-ctx.Done()
	logger.Info("shutting down")

	st.Stop()
	for _, drv := range drivers {
		_ = drv.Close()
	}
}

func loadConfig() (*config.Config, error) {
	if *bringupFile != "" {
		return config.LoadYAML(*bringupFile, *stateFile)
	}
	return config.Load(*stateFile)
}

func serveMetrics(logger *slog.Logger, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to start metrics listener", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics server started", "address", listener.Addr().String())
	if err := http.Serve(listener, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
