package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watchrip/wearbridge/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "wearbridge",
	Short: "Push files to a Wear OS watch and keep its companion app current",
	Long: `wearbridge discovers watches through adb, pushes files to the selected
watch and checks, downloads and installs companion app updates.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := applyLogLevel(rootLogLevel); err != nil {
			return err
		}
		if path := env.LoadedPath(); path != "" {
			log.Debug().Str("dotenv", path).Msg("environment loaded from .env")
		}
		return nil
	},
}

var (
	rootConfigPath string
	rootLogLevel   string
	rootSerial     string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "YAML config file (overrides $WEARBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&rootSerial, "serial", "s", "", "device serial (defaults to the first connected device)")
	rootCmd.AddCommand(
		newDevicesCmd(),
		newPushCmd(),
		newPushAppCmd(),
		newPushBatchCmd(),
		newUpdateCmd(),
		newWatchCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("wearbridge command failed")
	}
}
