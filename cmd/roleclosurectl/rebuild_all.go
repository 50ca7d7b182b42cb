package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/innovabiz/roleclosure/internal/closure"
	"github.com/innovabiz/roleclosure/internal/config"
	"github.com/innovabiz/roleclosure/internal/logging"
	"github.com/innovabiz/roleclosure/internal/store"
)

var rebuildAllCmd = &cobra.Command{
	Use:   "rebuild-all",
	Short: "Force a full closure rebuild over every role",
	Long: `rebuild-all recomputes the ancestors table from scratch for every
role in the database. Use it for recovery after the materialized closure is
suspected stale, or after a bulk data load that bypassed the engine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		logging.Init(cfg.LogLevel)

		ctx := context.Background()
		db, err := store.Connect(ctx, storeConfig(cfg))
		if err != nil {
			return err
		}
		defer db.Close()

		engine := closure.New(db).WithSafetyLimit(cfg.Engine.SafetyLimit)
		if err := engine.RebuildAll(ctx); err != nil {
			return err
		}
		log.Info().Msg("full closure rebuild complete")
		return nil
	},
}
