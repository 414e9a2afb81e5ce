package main

import (
	"context"
	"flag"
	golog "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/overlaynet/overlaynode/cli"
	"github.com/overlaynet/overlaynode/config"
	"github.com/overlaynet/overlaynode/diag"
	"github.com/overlaynet/overlaynode/log"
	"github.com/overlaynet/overlaynode/node"
	"github.com/overlaynet/overlaynode/version"
)

const appName = "Overlay Node"

var (
	flagVersion    = flag.Bool("version", false, "Show version")
	flagEnv        = flag.Bool("env", false, "Outputs the available environment variables")
	flagConfigPath = flag.String("config", "./config.yaml", "Path to config file")
	flagProduction = flag.Bool("production", false, "Run with production logging and gin mode")
)

func main() {
	flag.Parse()

	if *flagEnv {
		cli.OutputEnv()
		return
	}
	if *flagVersion {
		cli.PrintVersion(appName, version.Get())
		return
	}

	cli.PrintBanner()
	cli.PrintVersion(appName, version.Get())

	conf, err := loadConfig(*flagConfigPath)
	if err != nil {
		golog.Fatalf("failed to load config: %s", err)
	}

	logger, _, err := newLogger(conf, *flagProduction)
	if err != nil {
		golog.Fatalf("failed to set up logger: %s", err)
	}
	sugared := logger.Sugar()
	defer func() { _ = logger.Sync() }()

	n, startups, err := node.New(conf, sugared)
	if err != nil {
		sugared.Fatalw("failed to construct node", "error", err)
	}
	for _, ch := range startups {
		result := <-ch
		if !result.Success && result.Error != nil {
			sugared.Warnw("a configured transport failed to bind, continuing without it", "error", result.Error)
		}
	}

	outputter := cli.NewCLIOutputter()
	outputter.PrintSelfID(n.SelfID().String())

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)

	if addr := conf.DiagAddr(); addr != "" {
		diagServer := diag.New(n, sugared, *flagProduction)
		diagStartup, ln, err := diagServer.Start(ctx, addr)
		if err != nil {
			sugared.Warnw("failed to start diagnostics server", "error", err)
		} else {
			result := <-diagStartup
			if result.Success {
				cli.PrintServerStarted("Diagnostics server", ln.Addr().String())
				sugared.Infow("diagnostics server listening", "addr", ln.Addr().String())
			}
		}
	}

	go deliverLoop(ctx, n, sugared)

	abortSignalCh := make(chan os.Signal, 1)
	signal.Notify(abortSignalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	sig := <-abortSignalCh
	sugared.Warnw("received abort signal, shutting down", "signal", sig)

	cancel()
	shutdownDeadline := time.After(5 * time.Second)
	closed := make(chan struct{})
	go func() {
		if err := n.Close(); err != nil {
			sugared.Errorw("error during node shutdown", "error", err)
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-shutdownDeadline:
		sugared.Warn("node shutdown did not complete within deadline")
	}
}

// deliverLoop drains delivered UserData payloads and logs them; an
// embedding that wants the payloads itself should call n.Accept() directly
// instead of running this binary.
func deliverLoop(ctx context.Context, n *node.Node, sugared *zap.SugaredLogger) {
	for {
		d, err := n.Accept().RecvFrom(ctx)
		if err != nil {
			return
		}
		sugared.Debugw("delivered user data", "src", d.SrcID.String(), "bytes", len(d.Payload))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.NewDevDefaultConfig(), nil
	}
	dto, err := config.NewDTOFromFile(os.DirFS(filepath.Dir(path)), filepath.Base(path))
	if err != nil {
		return nil, err
	}
	return config.FromDTO(dto)
}

func newLogger(conf *config.Config, production bool) (*zap.Logger, *zap.AtomicLevel, error) {
	if production {
		return log.NewProductionLogger(conf)
	}
	return log.NewDevelopmentLogger(conf)
}
