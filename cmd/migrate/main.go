package main

import (
	"log"
	"os"

	"github.com/pgstatsinfo/agent/internal/infrastructure/migrations"
)

func main() {
	config, err := migrations.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load migration config: %v", err)
	}

	manager, err := migrations.NewMigrationManager(config)
	if err != nil {
		log.Fatalf("failed to create migration manager: %v", err)
	}

	cli := migrations.NewCLI(manager, config.Logger)

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
