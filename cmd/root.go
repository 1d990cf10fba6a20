package cmd

import (
	"fmt"
	"os"

	"github.com/avollmer/reclaim/cmd/stress"
	"github.com/avollmer/reclaim/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "1.0.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "reclaim",
		Short: "memory reclamation toolkit",
		Long: fmt.Sprintf(`reclaim (v%s)

A memory management toolkit written in Go, providing a reference-counted
tracking tree with time-based expiry, epoch-based reclamation for lock-free
readers and generational allocation contexts.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of reclaim",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reclaim v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(stress.StressCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("Level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
