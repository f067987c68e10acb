package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"

	"github.com/tunnelagent/edge-agent/internal/config"
	"github.com/tunnelagent/edge-agent/internal/state"
	"github.com/tunnelagent/edge-agent/internal/supervisor"
	"github.com/tunnelagent/edge-agent/internal/uiapi"
)

const (
	serviceName        = "TunnelAgent"
	serviceDisplayName = "Tunnel Edge Agent"
	serviceDescription = "Edge-side agent for the reverse tunnel service - holds the control connection and forwards local traffic"
)

// agent implements kardianos/service.Interface for Windows service lifecycle.
type agent struct {
	cfg       *config.Config
	localPort int
	subdomain string
	tcpPort   int
	cancel    context.CancelFunc
}

func (a *agent) Start(s service.Service) error {
	go a.run()
	return nil
}

func (a *agent) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *agent) run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	defer cancel()

	if err := runAgent(ctx, a.cfg, a.localPort, a.subdomain, a.tcpPort); err != nil {
		slog.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: "+config.DefaultConfigPath+")")
		doInstall   = flag.Bool("install", false, "install as a system service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the system service")
		doRun       = flag.Bool("run", false, "run in foreground (non-service mode)")
		localPort   = flag.Int("local-port", 0, "register an HTTP tunnel to this local port on startup")
		subdomain   = flag.String("subdomain", "", "requested subdomain for the startup HTTP tunnel")
		tcpPort     = flag.Int("tcp-port", 0, "register a TCP tunnel to this local port on startup")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil && !*doInstall && !*doUninstall {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg != nil {
		initLogger(cfg.LogLevel)
	}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   []string{},
	}

	ag := &agent{cfg: cfg, localPort: *localPort, subdomain: *subdomain, tcpPort: *tcpPort}
	svc, err := service.New(ag, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service installed successfully:", serviceName)
		return

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled successfully:", serviceName)
		return

	case *doRun:
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		slog.Info("starting agent in foreground mode")
		if err := runAgent(ctx, cfg, *localPort, *subdomain, *tcpPort); err != nil {
			slog.Error("agent exited with error", "error", err)
			os.Exit(1)
		}
		return

	default:
		if service.Interactive() {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Println("Tunnel edge agent is running. Press Ctrl+C to stop.")
			if err := runAgent(ctx, cfg, *localPort, *subdomain, *tcpPort); err != nil {
				slog.Error("agent exited with error", "error", err)
				os.Exit(1)
			}
		} else {
			if err := svc.Run(); err != nil {
				slog.Error("service run failed", "error", err)
				os.Exit(1)
			}
		}
	}
}

// runAgent wires the config, shared client state, and connection supervisor
// together and blocks until ctx is cancelled or the supervisor gives up
// after exhausting its reconnect attempts (spec §4.8, §8 property 6).
func runAgent(ctx context.Context, cfg *config.Config, localPort int, subdomain string, tcpPort int) error {
	slog.Info("starting tunnel edge agent", "server", cfg.ControlURL(), "local_host", cfg.LocalHost)

	st := state.New(cfg.LocalHost)
	sup := supervisor.New(cfg, st, uiapi.Channels{})

	if localPort != 0 {
		sup.AddHttpTunnel(localPort, subdomain)
	}
	if tcpPort != 0 {
		sup.AddTcpTunnel(tcpPort)
	}

	err := sup.Run(ctx)
	slog.Info("agent shut down")
	return err
}

// initLogger configures the global slog logger at the given level.
func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	slog.SetDefault(slog.New(handler))
}
