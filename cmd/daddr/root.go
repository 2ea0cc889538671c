package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/igjeong/daddr/config"
	"github.com/igjeong/daddr/ipc"
	"github.com/igjeong/daddr/packet"
)

var rootCmd = &cobra.Command{
	Use:   "daddr",
	Short: "In-path destination address rewriting",
	Long: `daddr rewrites the destination address of IPv4 or IPv6 packets handed to it
by a netfilter queue and repairs the IP, TCP, UDP and ICMPv6 checksums.

The new address is either a single direct target or is looked up by the
packet's DSCP codepoint in a 64-entry table.`,
	Version:       fmt.Sprintf("%s (built: %s)", version, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "daddr.yaml", "path to configuration file (env DADDR_CONFIG)")
	rootCmd.PersistentFlags().StringP("socket", "s", "", "control socket path (env DADDR_SOCKET, default from config or "+ipc.DefaultSocket+")")

	viper.SetEnvPrefix("daddr")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("socket", rootCmd.PersistentFlags().Lookup("socket"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tableCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(targetCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(unloadCheckCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("daddr v%s (built: %s)\n", version, buildTime)
	},
}

func configPath() string {
	return viper.GetString("config")
}

// loadConfig reads the configuration file and applies a --set-daddr
// override. Without a file, an override alone is enough: the family is
// taken from the override address.
func loadConfig(setDaddr string) (*config.Config, error) {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		if setDaddr == "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
		if addr, perr := netip.ParseAddr(setDaddr); perr == nil && addr.Is6() && !addr.Is4In6() {
			cfg.Family = packet.FamilyIPv6
			cfg.FamilyStr = packet.FamilyIPv6.String()
		}
	}

	if setDaddr != "" {
		if err := cfg.SetTarget(setDaddr); err != nil {
			return nil, fmt.Errorf("invalid --set-daddr: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// controlSocket resolves where a running instance listens: flag or env first,
// then the configuration file, then the default.
func controlSocket() string {
	if path := viper.GetString("socket"); path != "" {
		return path
	}
	if cfg, err := config.Load(configPath()); err == nil && cfg.Socket != "" {
		return cfg.Socket
	}
	return ipc.DefaultSocket
}
