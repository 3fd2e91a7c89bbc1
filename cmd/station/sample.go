package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iainonline/meshtastic-weather-works/internal/config"
	"github.com/iainonline/meshtastic-weather-works/internal/message"
)

// newSampleCmd renders the configured template with representative values so
// an operator can check display fit before flashing a new template.
func newSampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Render the configured message template with example values",
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl := message.DefaultTemplate
			if cfg, err := config.Load(flagConfig); err == nil {
				tmpl = cfg.Template(message.DefaultTemplate)
			}

			snr := -8.0
			hops := 2
			text := message.Render(tmpl, message.Fields{
				Now:      time.Now(),
				TempF:    81,
				Humidity: 29,
				Online:   5,
				Total:    114,
				SNR:      &snr,
				Hops:     &hops,
			})
			fmt.Fprintln(cmd.OutOrStdout(), text)
			fmt.Fprintf(cmd.OutOrStdout(), "(%d bytes)\n", len(text))
			return nil
		},
	}
}
