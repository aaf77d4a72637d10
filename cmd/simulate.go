// services/fleet/cmd/simulate.go
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/bpr/services/fleet/internal/sim"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Runs an in-memory fleet simulation",
	Long:  `Emulates a fleet of devices and hubs against an in-memory backend with compressed time, useful for exercising the full pipeline without hardware.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulation()
	},
}

func init() {
	simulateCmd.Flags().IntVar(&cfgSimDevices, "devices", 0, "override configured device count")
	simulateCmd.Flags().IntVar(&cfgSimHubs, "hubs", 0, "override configured hub count")
	rootCmd.AddCommand(simulateCmd)
}

var (
	cfgSimDevices int
	cfgSimHubs    int
)

func runSimulation() error {
	if cfgSimDevices > 0 {
		cfg.Simulation.Devices = cfgSimDevices
	}
	if cfgSimHubs > 0 {
		cfg.Simulation.Hubs = cfgSimHubs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdownChan
		logger.Warn("Shutdown signal received, stopping simulation...")
		cancel()
	}()

	runtime := sim.NewRuntime(cfg, logger)
	if err := runtime.Run(ctx); err != nil {
		return err
	}

	stats, err := runtime.Adapter().Stats(context.Background())
	if err == nil {
		logger.WithFields(logrus.Fields{
			"total_rides": stats.TotalRides,
			"total_km":    stats.TotalKm,
			"total_co2_g": stats.TotalCO2Grams,
		}).Info("Simulation results")
	}
	return nil
}
