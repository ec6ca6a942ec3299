package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watchrip/wearbridge"
	"github.com/watchrip/wearbridge/internal/config"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll devices and check for app updates until interrupted",
		Long:  "Runs device polling and the background version check, logging every device, selection and update-availability change.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootConfigPath)
			if err != nil {
				return err
			}
			engine, err := wearbridge.New(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			engine.Subscribe(logEvent)
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().
				Dur("poll_interval", cfg.PollInterval).
				Dur("version_check_interval", cfg.VersionCheckInterval).
				Str("bridge_mode", cfg.BridgeMode).
				Msg("wearbridge watching")
			return engine.Run(sigCtx)
		},
	}
}

func logEvent(ev wearbridge.Event) {
	switch ev.Kind {
	case wearbridge.EventDevicesChanged, wearbridge.EventNamesUpdated, wearbridge.EventSelectionChanged:
		log.Info().
			Str("event", ev.Kind.String()).
			Strs("devices", ev.Devices.Serials()).
			Str("selected", ev.Selected).
			Msg("devices updated")
	case wearbridge.EventDeviceStateChanged:
		if ev.DeviceState.OK() {
			log.Info().Msg("device polling healthy")
			return
		}
		log.Warn().Str("state", ev.DeviceState.Message()).Msg("device polling unhealthy")
	case wearbridge.EventUpdateAvailableChanged:
		log.Info().Bool("update_available", ev.UpdateAvailable).Msg("companion app update availability changed")
	}
}
