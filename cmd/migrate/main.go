package main

// Run jobs-table migrations against every configured environment:
//   DATABASE_URL_PROD=... DATABASE_URL_DEV=... go run ./cmd/migrate

import (
	"context"
	"log"
	"os"

	"registre-backend/internal/shared/config"
	"registre-backend/internal/shared/storage/db"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if len(cfg.DatabaseURLs) == 0 {
		log.Printf("no DATABASE_URL_{PROD,STAGING,DEV} configured")
		os.Exit(1)
	}

	opts := db.OptionsFromEnv(db.DefaultMigrateOptions())
	for _, env := range cfg.EnvPriority {
		sqlDB, err := db.Connect(ctx, cfg.DatabaseURLs[env], opts)
		if err != nil {
			log.Printf("failed to connect %s database: %v", env, err)
			os.Exit(1)
		}
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			sqlDB.Close()
			log.Printf("failed to migrate %s database: %v", env, err)
			os.Exit(1)
		}
		sqlDB.Close()
		log.Printf("migrated %s database", env)
	}
}
