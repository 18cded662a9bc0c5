package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/coopsync/internal/event"
	"github.com/blukai/coopsync/internal/syncserver"
	"github.com/blukai/coopsync/internal/udphost"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Port            int           `envconfig:"PORT" default:"8000"`
	MaxConnections  int           `envconfig:"MAX_CONNECTIONS" default:"2"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"50s"`
	PollTimeout     time.Duration `envconfig:"POLL_TIMEOUT" default:"100ms"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	// LogFile, when set, additionally gets every event, rotated by size.
	LogFile string `envconfig:"LOG_FILE"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("COOPSYNC", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureSink(config *Config, logger *log.Logger) (event.Sink, func(), error) {
	consoleSink := event.NewLogSink(logger)
	if config.LogFile == "" {
		return consoleSink, func() {}, nil
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}
	fileLogger := event.FileLogger(config.LogFile, level)
	flush := func() { _ = fileLogger.Sync() }

	return event.Multi{consoleSink, event.NewZapSink(fileLogger)}, flush, nil
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := event.ConsoleLogger(log.ParseLevel(config.LogLevel))

	sink, syncSink, err := configureSink(config, logger)
	if err != nil {
		return fmt.Errorf("could not configure logging: %w", err)
	}
	defer syncSink()

	factory := udphost.Factory{
		Network: "udp4",
		Options: udphost.Options{Logger: logger},
	}
	server := syncserver.New(factory, syncserver.Config{
		MaxConnections:  config.MaxConnections,
		ShutdownTimeout: config.ShutdownTimeout,
		PollTimeout:     config.PollTimeout,
	}, sink)

	if err := server.Start(config.Port); err != nil {
		return fmt.Errorf("could not start sync server: %w", err)
	}
	logger.Info().Msgf("started sync server on %s", server.Addr())

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var serverRunErr error
	go func() {
		defer wg.Done()
		serverRunErr = server.Run(ctx)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signalChan:
		logger.Info().Msgf("received %+v signal", sig)
	}

	cancel()
	wg.Wait()
	if serverRunErr != nil {
		return fmt.Errorf("sync server run failed: %w", serverRunErr)
	}

	stats := server.Stats()
	logger.Info().
		Int("joined", stats.Joined).
		Int("rejected", stats.Rejected).
		Int("forwarded", stats.Forwarded).
		Int("dropped", stats.Dropped).
		Int("forced_resets", stats.ForcedResets).
		Msg("bye")

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
