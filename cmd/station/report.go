package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/iainonline/meshtastic-weather-works/internal/config"
	"github.com/iainonline/meshtastic-weather-works/internal/sigstat"
)

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print the persisted signal statistics per node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			table, err := sigstat.NewStore(cfg.Stats.File).Load()
			if err != nil {
				return err
			}
			if len(table) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no signal statistics recorded yet")
				return nil
			}

			names := make([]string, 0, len(table))
			for n := range table {
				names = append(names, n)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-16s %8s %8s %8s %8s %8s\n", "NODE", "MIN", "MEAN", "MAX", "LAST", "SAMPLES")
			for _, n := range names {
				st := table[n]
				last := "--"
				if len(st.Recent) > 0 {
					last = fmt.Sprintf("%.1f", st.Recent[len(st.Recent)-1])
				}
				fmt.Fprintf(out, "%-16s %8.1f %8.1f %8.1f %8s %8d\n",
					n, st.Min, st.Mean, st.Max, last, st.SampleCount)
			}
			return nil
		},
	}
}
