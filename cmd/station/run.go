package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/iainonline/meshtastic-weather-works/internal/config"
	"github.com/iainonline/meshtastic-weather-works/internal/logx"
	"github.com/iainonline/meshtastic-weather-works/internal/sensor"
	"github.com/iainonline/meshtastic-weather-works/internal/station"
	"github.com/iainonline/meshtastic-weather-works/internal/transport"
)

func newRunCmd() *cobra.Command {
	var (
		simTempC    float64
		simHumidity float64
		simFailRate float64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the station until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			var log *logx.Logger
			if flagDebug {
				log = logx.NewDebug(cfg.Settings.StationID, cfg.Logging.LogFile)
			} else {
				log = logx.New(cfg.Settings.StationID, cfg.Logging.LogFile)
			}

			clk := clock.New()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rd := sensor.NewSim(rand.New(rand.NewSource(clk.Now().UnixNano())), simTempC, simHumidity, simFailRate)
			if _, err := sensor.Probe(ctx, log, rd, clk, 3); err != nil {
				log.Warnf("SENSOR not responding at startup, continuing anyway: %v", err)
			}

			tr := transport.NewGateway(log, clk, cfg.Settings.GatewayURL)
			st, err := station.New(cfg, log, clk, tr, rd)
			if err != nil {
				return err
			}
			defer st.Close()

			log.Infof("STATION %s starting, update every %s", cfg.Settings.StationID, cfg.Settings.UpdateInterval)
			return st.Run(ctx)
		},
	}
	cmd.Flags().Float64Var(&simTempC, "sim-temp", 22.0, "simulated sensor base temperature (celsius)")
	cmd.Flags().Float64Var(&simHumidity, "sim-humidity", 45.0, "simulated sensor base humidity (%)")
	cmd.Flags().Float64Var(&simFailRate, "sim-fail-rate", 0.05, "simulated sensor read failure rate")
	return cmd
}
