package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"portforwarder/api"
	"portforwarder/config"
	"portforwarder/endpoint"
	"portforwarder/forwarder"
	"portforwarder/logging"
	"portforwarder/status"
)

const VERSION = "0.1.0"

// cliOptions are the command line settings layered over the config file.
type cliOptions struct {
	configPath string
	listen     string
	target     string
	apiListen  string
	savePath   string
	logLevel   string
}

func main() {
	// A missing .env is fine; it only supplies flag defaults.
	_ = godotenv.Load()

	var opts cliOptions
	flag.StringVar(&opts.configPath, "config", os.Getenv("PORTFWD_CONFIG"), "YAML config with one or more forwards")
	flag.StringVar(&opts.listen, "listen", os.Getenv("PORTFWD_LISTEN"), "Listen address host:port (TCP and UDP)")
	flag.StringVar(&opts.target, "target", os.Getenv("PORTFWD_TARGET"), "Target address host:port")
	flag.StringVar(&opts.apiListen, "api", os.Getenv("PORTFWD_API"), "Status API listen address (disabled when empty)")
	flag.StringVar(&opts.savePath, "save", "", "Write the effective config to this file before starting")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "portforwarder: %v\n", err)
		os.Exit(1)
	}
}

func run(opts cliOptions) error {
	cfg, err := buildConfig(opts)
	if err != nil {
		return err
	}

	log, logOut, err := logging.New(cfg.GlobalLog)
	if err != nil {
		return err
	}
	defer logOut.Close()
	log.Infof("Port forwarder version %s starting with %d forwards", VERSION, len(cfg.Forwards))

	if opts.savePath != "" {
		if err := config.SaveConfig(opts.savePath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		log.WithField("path", opts.savePath).Info("Config saved")
	}

	type resolved struct {
		cfg            config.ForwardConfig
		listen, target endpoint.Endpoint
	}
	pairs := make([]resolved, 0, len(cfg.Forwards))
	for _, f := range cfg.Forwards {
		listen, err := endpoint.Resolve(f.Listen)
		if err != nil {
			return fmt.Errorf("forward %s: %w", f.Name, err)
		}
		target, err := endpoint.Resolve(f.Target)
		if err != nil {
			return fmt.Errorf("forward %s: %w", f.Name, err)
		}
		pairs = append(pairs, resolved{cfg: f, listen: listen, target: target})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := status.NewMonitor()
	g, gctx := errgroup.WithContext(ctx)

	aborts := make([]*atomic.Bool, 0, len(pairs))
	for _, p := range pairs {
		abort := new(atomic.Bool)
		aborts = append(aborts, abort)

		fw := forwarder.New(p.listen, p.target, forwarder.Options{
			Name:       p.cfg.Name,
			BufferSize: int(p.cfg.BufferSize),
			Logger:     log,
			Counters:   monitor.Register(p.cfg.Name),
		})
		name := p.cfg.Name
		g.Go(func() error {
			if err := fw.Run(abort); err != nil {
				return fmt.Errorf("forward %s: %w", name, err)
			}
			return nil
		})
	}

	var apiSrv *api.Server
	if cfg.APIListen != "" {
		apiSrv = api.NewServer(cfg, monitor, cfg.APIListen)
		apiSrv.SetLogger(log.WithField("component", "api"))
		if err := apiSrv.Start(); err != nil {
			stopAll(aborts)
			g.Wait()
			return fmt.Errorf("api: %w", err)
		}
	}

	monitor.StartPeriodicLogging(gctx, cfg.StatusInterval.Duration(), log)

	// Signal or first failure: raise every abort flag and stop the API.
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		stopAll(aborts)
		if apiSrv != nil {
			if err := apiSrv.Stop(); err != nil {
				log.Warnf("api shutdown: %v", err)
			}
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Forwarding failed")
		return err
	}
	log.Info("Port forwarder stopped")
	return nil
}

func stopAll(aborts []*atomic.Bool) {
	for _, a := range aborts {
		a.Store(true)
	}
}

// buildConfig loads the config file, if any, and applies the command line on
// top. -listen/-target replace the first forward, or define the only one
// when there is no file.
func buildConfig(opts cliOptions) (*config.Config, error) {
	cfg := &config.Config{}
	if opts.configPath != "" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.listen != "" || opts.target != "" {
		if len(cfg.Forwards) == 0 {
			cfg.Forwards = append(cfg.Forwards, config.ForwardConfig{})
		}
		if opts.listen != "" {
			cfg.Forwards[0].Listen = opts.listen
		}
		if opts.target != "" {
			cfg.Forwards[0].Target = opts.target
		}
	}
	if opts.apiListen != "" {
		cfg.APIListen = opts.apiListen
	}

	cfg.SetDefaults()
	if opts.logLevel != "" {
		if _, err := logrus.ParseLevel(opts.logLevel); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.GlobalLog.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
