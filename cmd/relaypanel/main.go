package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/relaypanel/internal/config"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
)

var cfgPath string

func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	return config.Load(cfgPath)
}

func main() {
	// .env opcional: deploys chicos sin YAML
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "relaypanel",
		Short: "Panel de administración del relay SMTP para Exchange Online",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "config: %v\n", err)
				os.Exit(1)
			}
			logger.Init(logger.Config{
				Env:         cfg.App.Env,
				Level:       cfg.App.LogLevel,
				ServiceName: "relaypanel",
			})
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("RELAYPANEL_CONFIG"), "ruta del config YAML")

	root.AddCommand(serveCmd(), adminCmd(), keysCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
