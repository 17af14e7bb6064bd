package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dewei/PriceRadar/pkg/app"
	"github.com/dewei/PriceRadar/pkg/config"
	"github.com/dewei/PriceRadar/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Price alert evaluation engine",
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the yaml config file. Defaults to CONFIG_PATH or configs/<APP_ENV>/app.yaml.")

	listCmd.Flags().String("status", "", "Only list alerts in this status, e.g. ACTIVE.")

	rootCmd.AddCommand(runCmd, onceCmd, listCmd, migrateCmd, eventsCmd)
}

// setup loads the configuration and wires the application, exiting on failure
func setup(cmd *cobra.Command) *app.App {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		log.Fatalf("failed to read config flag: %v", err)
	}
	if path == "" {
		path = config.ResolvePath()
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.Init(cfg.App.LogLevel, cfg.App.LogFormat)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialise: %v", err)
	}
	return a
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
