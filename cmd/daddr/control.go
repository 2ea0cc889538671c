package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/igjeong/daddr/ipc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of the running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := ipc.NewClient(controlSocket()).GetStatus()
		if err != nil {
			return notRunning(err)
		}
		printStatus(cmd.OutOrStdout(), status)
		return nil
	},
}

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "List the occupied codepoint slots",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := ipc.NewClient(controlSocket()).Table()
		if err != nil {
			return notRunning(err)
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No entries")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%2d: %s\n", e.Index, e.Address)
		}
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:     "set <codepoint> <address>",
	Short:   "Set the address for a DSCP codepoint (1-63)",
	Example: "  daddr set 46 192.0.2.46",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		if err := ipc.NewClient(controlSocket()).SetEntry(idx, args[1]); err != nil {
			return notRunning(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", idx, args[1])
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <codepoint>",
	Short: "Clear a DSCP codepoint slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		if err := ipc.NewClient(controlSocket()).ClearEntry(idx); err != nil {
			return notRunning(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d cleared\n", idx)
		return nil
	},
}

var targetCmd = &cobra.Command{
	Use:   "target <address>",
	Short: "Replace the direct-mode target address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ipc.NewClient(controlSocket()).SetTarget(args[0]); err != nil {
			return notRunning(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "DADDR set %s\n", args[0])
		return nil
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Turn rewriting on",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ipc.NewClient(controlSocket()).Enable(); err != nil {
			return notRunning(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Rewriting enabled")
		return nil
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn rewriting off; packets pass unchanged",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ipc.NewClient(controlSocket()).Disable(); err != nil {
			return notRunning(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Rewriting disabled")
		return nil
	},
}

var unloadCheckCmd = &cobra.Command{
	Use:   "unload-check",
	Short: "Exit non-zero while a codepoint table is configured",
	Long: `Report whether the running instance may be stopped without losing
configuration. Stopping is refused while any codepoint slot is set; a direct
target alone never blocks it. An instance that is not running may be stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := ipc.NewClient(controlSocket()).GetStatus()
		if errors.Is(err, ipc.ErrNotRunning) {
			fmt.Fprintln(cmd.OutOrStdout(), "Not running")
			return nil
		}
		if err != nil {
			return err
		}
		if status.Active {
			return fmt.Errorf("configuration active (%d rules); clear the table first", len(status.Rules))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No active configuration")
		return nil
	},
}

func parseIndex(s string) (int, error) {
	idx, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid codepoint %q: %w", s, err)
	}
	return idx, nil
}

func notRunning(err error) error {
	if errors.Is(err, ipc.ErrNotRunning) {
		fmt.Fprintln(os.Stderr, "daddr is not running. Start it with:")
		fmt.Fprintln(os.Stderr, "  daddr run -c daddr.yaml")
	}
	return err
}

func printStatus(w io.Writer, status *ipc.StatusResponse) {
	enabled := "yes"
	if !status.Enabled {
		enabled = "no"
	}
	active := "no"
	if status.Active {
		active = "yes"
	}

	fmt.Fprintf(w, "daddr Status\n")
	fmt.Fprintf(w, "============\n\n")
	fmt.Fprintf(w, "Status:            Running\n")
	fmt.Fprintf(w, "Uptime:            %s\n", status.UptimeStr)
	fmt.Fprintf(w, "Mode:              %s\n", status.Mode)
	fmt.Fprintf(w, "Family:            %s\n", status.Family)
	fmt.Fprintf(w, "Queue:             %d\n", status.Queue)
	fmt.Fprintf(w, "Enabled:           %s\n", enabled)
	fmt.Fprintf(w, "Active config:     %s\n\n", active)

	fmt.Fprintf(w, "Packet Statistics\n")
	fmt.Fprintf(w, "-----------------\n")
	fmt.Fprintf(w, "Processed:         %d\n", status.PacketsProcessed)
	fmt.Fprintf(w, "Rewritten:         %d\n", status.PacketsRewritten)
	fmt.Fprintf(w, "Unchanged:         %d\n", status.PacketsUnchanged)
	fmt.Fprintf(w, "Transport skipped: %d\n", status.TransportSkipped)
	fmt.Fprintf(w, "Dropped:           %d\n\n", status.PacketsDropped)

	if len(status.Rules) > 0 {
		fmt.Fprintf(w, "Rules\n")
		fmt.Fprintf(w, "-----\n")
		for _, r := range status.Rules {
			fmt.Fprintf(w, "  %s\n", r)
		}
	}
	if status.Restore != "" {
		fmt.Fprintf(w, "\nRestart with:      daddr run %s\n", status.Restore)
	}
}
