package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/igjeong/daddr/logging"
	"github.com/igjeong/daddr/pcapreplay"
	"github.com/igjeong/daddr/rewrite"
)

var (
	replayIn       string
	replayOut      string
	replaySetDaddr string
	replayVerify   bool
	replayVerbose  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rewrite a pcap capture offline",
	Long: `Run every IPv4/IPv6 packet of a pcap capture through the rewrite engine
using the current configuration, and write the result to a new capture.

Ethernet, Linux cooked and raw IP link types are supported. Dropped packets
are omitted from the output.`,
	Example: `  daddr replay --in dns.pcap --out dns-rewritten.pcap --set-daddr 10.0.0.53 --verify`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay()
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayIn, "in", "i", "", "input pcap file")
	replayCmd.Flags().StringVarP(&replayOut, "out", "o", "", "output pcap file")
	replayCmd.Flags().StringVar(&replaySetDaddr, "set-daddr", "", "rewrite every packet to this address (direct mode)")
	replayCmd.Flags().BoolVar(&replayVerify, "verify", false, "recompute the checksums of every rewritten packet")
	replayCmd.Flags().BoolVarP(&replayVerbose, "verbose", "v", false, "log every rewritten packet")
	_ = replayCmd.MarkFlagRequired("in")
	_ = replayCmd.MarkFlagRequired("out")
}

func runReplay() error {
	cfg, err := loadConfig(replaySetDaddr)
	if err != nil {
		return err
	}
	// Replay output is for the terminal only.
	cfg.Log.File = ""
	if replayVerbose {
		cfg.Log.Level = logrus.DebugLevel.String()
	}

	logger, logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	sel, err := cfg.BuildSelector()
	if err != nil {
		return err
	}
	engine := rewrite.NewEngine(sel,
		rewrite.WithLogger(logging.Component(logger, "engine")),
		rewrite.WithVerbose(replayVerbose),
	)
	if !cfg.IsEnabled() {
		engine.Disable()
	}

	in, err := os.Open(replayIn)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	out, err := os.Create(replayOut)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer out.Close()

	res, err := pcapreplay.Replay(in, out, engine, pcapreplay.Options{
		Verify: replayVerify,
		Logger: logging.Component(logger, "replay"),
	})
	if err != nil {
		return err
	}

	stats := engine.Stats()
	fmt.Printf("Packets:           %d\n", res.Packets)
	fmt.Printf("IP packets:        %d\n", res.IPPackets)
	fmt.Printf("Rewritten:         %d\n", res.Rewritten)
	fmt.Printf("Unchanged:         %d\n", stats.Unchanged)
	fmt.Printf("Transport skipped: %d\n", stats.TransportSkipped)
	fmt.Printf("Dropped:           %d\n", res.Dropped)
	if replayVerify {
		fmt.Printf("Verify failures:   %d\n", res.VerifyFailures)
		if res.VerifyFailures > 0 {
			return fmt.Errorf("%d rewritten packets failed checksum verification", res.VerifyFailures)
		}
	}
	return out.Sync()
}
