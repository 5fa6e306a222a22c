package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dIO/cmd/connect"
	"github.com/ValentinKolb/dIO/cmd/perf"
	"github.com/ValentinKolb/dIO/cmd/probe"
	"github.com/ValentinKolb/dIO/cmd/serve"
	"github.com/ValentinKolb/dIO/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dio",
		Short: "event loop I/O runtime",
		Long: fmt.Sprintf(`dIO (v%s)

An I/O runtime library written in Go: event loop groups, client and
server bootstraps and reusable TLS contexts. The dio command exposes
them for probing, connecting, serving and benchmarking.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dIO",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dIO v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(probe.ProbeCmd)
	RootCmd.AddCommand(connect.ConnectCmd)
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
