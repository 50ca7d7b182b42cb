package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/innovabiz/roleclosure/internal/config"
	"github.com/innovabiz/roleclosure/internal/logging"
	"github.com/innovabiz/roleclosure/internal/schema"
	"github.com/innovabiz/roleclosure/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the roles/parents/ancestors schema",
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

		if err := schema.Migrate(ctx, db); err != nil {
			return err
		}
		log.Info().Msg("schema migration complete")
		return nil
	},
}
