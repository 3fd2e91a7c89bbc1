package main

import (
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDebug  bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "station",
		Short:         "Mesh weather station with delivery confirmation",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "station.yaml", "path to the station config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newSampleCmd())
	return root
}
