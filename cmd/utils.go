package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/watchrip/wearbridge"
	"github.com/watchrip/wearbridge/internal/config"
	"github.com/watchrip/wearbridge/internal/transfer"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func applyLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(firstNonEmpty(level, "info")))
	if err != nil {
		return errors.Wrapf(err, "invalid --log-level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// openEngine loads the configuration, builds the engine and resolves the
// target device: --serial when given, otherwise the auto-selected one.
func openEngine(ctx context.Context) (*wearbridge.Engine, string, error) {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return nil, "", err
	}
	engine, err := wearbridge.New(cfg)
	if err != nil {
		return nil, "", err
	}
	if _, err := engine.ListDevices(ctx); err != nil {
		_ = engine.Close()
		return nil, "", errors.Wrap(err, engine.DeviceState().Message())
	}
	if serial := strings.TrimSpace(rootSerial); serial != "" {
		if err := engine.SelectDevice(serial); err != nil {
			_ = engine.Close()
			return nil, "", err
		}
	}
	serial := engine.Selected()
	if serial == "" {
		_ = engine.Close()
		return nil, "", errors.New("no device connected")
	}
	return engine, serial, nil
}

// printStatuses echoes a transfer status stream and reports whether the
// final status was a full success.
func printStatuses(statuses <-chan transfer.Status) (ok, partial bool) {
	for st := range statuses {
		prefix := "  "
		if st.IsError {
			prefix = "! "
		}
		fmt.Println(prefix + st.Message)
		if st.Final {
			ok = !st.IsError || st.Partial
			partial = st.Partial
		}
	}
	return ok, partial
}
