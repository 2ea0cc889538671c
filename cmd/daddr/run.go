package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/igjeong/daddr/config"
	"github.com/igjeong/daddr/ipc"
	"github.com/igjeong/daddr/logging"
	"github.com/igjeong/daddr/nfqueue"
	"github.com/igjeong/daddr/rewrite"
)

var (
	runSetDaddr string
	runVerbose  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the rewrite engine on a netfilter queue (foreground)",
	Long: `Bind the configured NFQUEUE and rewrite queued packets until interrupted.

Packets must be steered into the queue by a netfilter rule, e.g.

  iptables -t mangle -A PREROUTING -p udp --dport 53 -j NFQUEUE --queue-num 0

SIGHUP reloads the configuration file; it is also reloaded when it changes.`,
	Example: `  daddr run -c /etc/daddr/daddr.yaml
  daddr run --set-daddr 10.0.0.1
  DADDR_CONFIG=/etc/daddr/daddr.yaml daddr run --verbose`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(runSetDaddr, runVerbose)
	},
}

func init() {
	runCmd.Flags().StringVar(&runSetDaddr, "set-daddr", "", "rewrite every packet to this address (direct mode)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log every rewritten packet")
}

func runDaemon(setDaddr string, verbose bool) error {
	cfg, err := loadConfig(setDaddr)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Log.Level = logrus.DebugLevel.String()
	}
	if path := viper.GetString("socket"); path != "" {
		cfg.Socket = path
	}

	logger, logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	log := logging.Component(logger, "main")

	log.WithField("version", version).Info("daddr starting")
	log.WithFields(logrus.Fields{
		"mode":    cfg.Mode,
		"family":  cfg.Family,
		"enabled": cfg.IsEnabled(),
		"queue":   cfg.Queue.Num,
	}).Info("Configuration loaded")
	for _, line := range cfg.Describe() {
		log.Info("Rule: " + line)
	}

	sel, err := cfg.BuildSelector()
	if err != nil {
		return err
	}
	engine := rewrite.NewEngine(sel,
		rewrite.WithLogger(logging.Component(logger, "engine")),
		rewrite.WithVerbose(verbose),
	)
	if !cfg.IsEnabled() {
		engine.Disable()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Now()

	ctrl := ipc.NewEngineController(engine, startTime, cfg.Queue.Num, logging.Component(logger, "ipc"))
	ipcServer := ipc.NewServer(cfg.Socket, ctrl, logging.Component(logger, "ipc"))
	if err := ipcServer.Start(); err != nil {
		log.WithError(err).Warn("Failed to start IPC server")
	} else {
		log.WithField("socket", ipcServer.Addr()).Info("IPC server listening")
	}
	defer ipcServer.Stop()

	reload := func(newCfg *config.Config) error {
		if setDaddr != "" {
			if err := newCfg.SetTarget(setDaddr); err != nil {
				return err
			}
		}
		return newCfg.ApplyTo(engine)
	}

	var watcher *config.Watcher
	if setDaddr == "" || fileExists(configPath()) {
		watcher = config.NewWatcher(configPath(), logging.Component(logger, "config"), reload)
		if err := watcher.Start(); err != nil {
			log.WithError(err).Warn("Failed to start config watcher")
			watcher = nil
		} else {
			log.WithField("path", configPath()).Info("Configuration hot-reload enabled")
			defer watcher.Stop()
		}
	}

	queue, err := nfqueue.Open(nfqueue.Config{
		Num:          cfg.Queue.Num,
		MaxLen:       cfg.Queue.MaxLen,
		MaxPacketLen: cfg.Queue.MaxPacketLen,
		Family:       cfg.Family,
	}, engine, logging.Component(logger, "nfqueue"))
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- queue.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if watcher == nil {
					log.Warn("SIGHUP ignored: no configuration file")
					continue
				}
				if err := watcher.ForceReload(); err != nil {
					log.WithError(err).Warn("Reload failed")
				}
				continue
			}
			log.WithField("signal", sig).Info("Shutting down")
			cancel()
			break loop
		case err := <-errChan:
			errChan <- err
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("Queue stopped")
			}
			cancel()
			break loop
		}
	}

	var runErr error
	select {
	case runErr = <-errChan:
	case <-time.After(2 * time.Second):
		log.Warn("Queue did not stop gracefully")
	}

	stats := engine.Stats()
	log.WithFields(logrus.Fields{
		"processed":         stats.Processed,
		"rewritten":         stats.Rewritten,
		"unchanged":         stats.Unchanged,
		"transport_skipped": stats.TransportSkipped,
		"dropped":           stats.Dropped,
		"verdict_errors":    queue.VerdictErrors(),
	}).Info("Final statistics")
	log.Info("daddr stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
