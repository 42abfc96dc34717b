package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"notesync/app"
	"notesync/config"
	"notesync/events"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	device, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal().Err(err).Msg("load device configuration")
	}

	fmt.Printf("notesync - LAN note synchronization\n")
	fmt.Printf("  device:   %s (%s)\n", device.DeviceName, device.DeviceID)
	fmt.Printf("  config:   %s\n", cfgPath)
	fmt.Printf("  data dir: %s\n", device.DataDir)

	application, err := app.New(app.Options{
		Device:  device,
		DataDir: device.DataDir,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go logEvents(application.Events(), logger)

	if err := application.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run application")
	}
	logger.Info().Msg("shut down cleanly")
}

// logEvents mirrors the application event stream to the log, which is the
// whole frontend this binary has.
func logEvents(bus *events.Bus, logger zerolog.Logger) {
	sub := bus.Subscribe()
	if sub == nil {
		return
	}
	for event := range sub.C() {
		logger.Info().
			Str("topic", string(event.Topic)).
			Interface("payload", event.Payload).
			Msg("event")
	}
}
