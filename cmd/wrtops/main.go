package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	scriptName string
)

var rootCmd = &cobra.Command{
	Use:   "wrtops",
	Short: "Router operations tasks reporting into Zabbix",
	Long: `wrtops bundles the recurring operations tasks of an OpenWrt router:
DNS latency probes, dnsmasq cache statistics, configuration backup onto
a network share and syncthing upgrades. Every run reports its outcome
to the Zabbix agent, and every subcommand can emit a low level
discovery document instead of running.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "configuration file")
	rootCmd.PersistentFlags().StringVar(&scriptName, "script-name", "", "identity reported to monitoring (defaults to the subcommand name)")

	rootCmd.AddCommand(dnsLatencyCmd)
	rootCmd.AddCommand(dnsmasqStatsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(syncUpdateCmd)
	rootCmd.AddCommand(discoverCmd)
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	// A failed body already logged through the reporter, only its exit
	// status needs to make it out of the process.
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

// exitError carries a process exit status through cobra's error return.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
