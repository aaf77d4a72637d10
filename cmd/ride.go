// services/fleet/cmd/ride.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"example.com/bpr/services/fleet/internal/backend"
	"example.com/bpr/services/fleet/internal/core"
	"example.com/bpr/services/fleet/internal/geo"
	"example.com/bpr/services/fleet/internal/infrastructure"
	"github.com/spf13/cobra"
)

var rideCmd = &cobra.Command{
	Use:   "ride <device-id> [session-id]",
	Short: "Reconstructs the trip for a stored session",
	Long:  `Loads a session from the backend, resolves scan positions where possible, and prints the derived ride summary as JSON. Without a session id the latest session is used.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := ""
		if len(args) > 1 {
			sessionID = args[1]
		}
		return runRide(args[0], sessionID)
	},
}

func init() {
	rootCmd.AddCommand(rideCmd)
}

func runRide(deviceID, sessionID string) error {
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	adapter := backend.NewAdapter(backend.NewPostgresStore(db.DB), nil, nil, logger)

	var resolver core.Resolver
	if cfg.Geolocation.APIKey != "" {
		var cache geo.CoordinateCache
		if c, err := infrastructure.NewCache(cfg.Redis, cfg.Geolocation.CacheTTL); err == nil {
			defer c.Close()
			cache = c
		} else {
			logger.WithError(err).Warn("Cache unavailable, geolocation lookups uncached")
		}
		httpResolver, err := geo.NewHTTPResolver(cfg.Geolocation, cache, logger)
		if err != nil {
			return err
		}
		resolver = httpResolver
	}

	ctx := context.Background()
	var session *core.Session
	if sessionID == "" {
		session, err = adapter.LatestSession(ctx, deviceID)
	} else {
		session, err = adapter.Session(ctx, deviceID, sessionID)
	}
	if err != nil {
		return err
	}

	recon := core.NewReconstructor(cfg.Ride, resolver, logger)
	ride, err := recon.Reconstruct(ctx, session)
	if err != nil {
		return err
	}
	if ride == nil {
		logger.WithField("session", session.ID).Info("Trip below minimum distance, no ride produced")
		return nil
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(ride)
}
