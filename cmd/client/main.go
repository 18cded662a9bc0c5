package main

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	runtimedebug "runtime/debug"
	"syscall"
	"time"

	"github.com/blukai/coopsync/internal/debug"
	"github.com/blukai/coopsync/internal/event"
	"github.com/blukai/coopsync/internal/protocol"
	"github.com/blukai/coopsync/internal/ptr"
	"github.com/blukai/coopsync/internal/syncclient"
	"github.com/blukai/coopsync/internal/udphost"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

// Config comes from COOPSYNC_* variables. a SLOT of 0 takes whichever slot the
// server has free.
type Config struct {
	ServerHost        string        `envconfig:"SERVER_HOST" default:"127.0.0.1"`
	ServerPort        int           `envconfig:"SERVER_PORT" default:"8000"`
	Slot              uint8         `envconfig:"SLOT" default:"1"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"1s"`
	DisconnectTimeout time.Duration `envconfig:"DISCONNECT_TIMEOUT" default:"1s"`
	ReadMode          string        `envconfig:"READ_MODE" default:"single"`
	Tick              time.Duration `envconfig:"TICK" default:"50ms"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("COOPSYNC", config); err != nil {
		return nil, err
	}
	return config, nil
}

// maybeDumpStack is not absolutely panic-free, it theoretically may also panic
func maybeDumpStack() {
	r := recover()
	if r == nil {
		return
	}

	cwd, err := os.Getwd()
	debug.Assert(err == nil)

	dir := filepath.Join(cwd, "crashes")
	err = os.MkdirAll(dir, 0755)
	debug.Assert(err == nil)

	filename := filepath.Join(
		dir,
		"coopsync-"+time.Now().UTC().Format(time.RFC3339)+".txt",
	)
	err = os.WriteFile(filename, runtimedebug.Stack(), 0644)
	debug.Assert(err == nil)

	panic(r)
}

// player walks in a circle around the origin, one step per tick.
type player struct {
	angle float64
}

func (p *player) step() (float32, float32) {
	p.angle += math.Pi / 64
	return float32(math.Cos(p.angle) * 100), float32(math.Sin(p.angle) * 100)
}

func erringMain() error {
	defer maybeDumpStack()

	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := event.ConsoleLogger(log.ParseLevel(config.LogLevel))

	readMode, err := syncclient.ParseReadMode(config.ReadMode)
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	factory := udphost.Factory{
		Network: "udp4",
		Options: udphost.Options{Logger: logger},
	}
	client, err := syncclient.New(factory, syncclient.Config{
		Slot:              protocol.Slot(config.Slot),
		ConnectTimeout:    config.ConnectTimeout,
		DisconnectTimeout: config.DisconnectTimeout,
		ReadMode:          readMode,
	}, event.NewLogSink(logger))
	if err != nil {
		return fmt.Errorf("could not construct sync client: %w", err)
	}
	defer client.Close()

	if err := client.Connect(config.ServerHost, config.ServerPort); err != nil {
		logger.Warn().Err(err).Msg("playing in local mode")
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(config.Tick)
	defer ticker.Stop()

	me := &player{}
	var remote *protocol.Position
	wasConnected := client.IsConnected()

	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			return nil
		case <-ticker.C:
		}

		x, y := me.step()
		if !client.IsConnected() {
			if wasConnected {
				logger.Warn().Msg("lost the server, playing in local mode")
				wasConnected = false
				remote = nil
			}
			continue
		}

		if err := client.SendPosition(x, y); err != nil {
			logger.Error().Err(err).Msg("could not send position")
		}
		if pos, ok := client.GetPosition(protocol.OtherSlot(client.Slot())); ok {
			remote = ptr.To(pos)
		}
		if remote != nil {
			logger.Debug().
				Float64("x", float64(x)).
				Float64("y", float64(y)).
				Float64("other_x", float64(remote.X)).
				Float64("other_y", float64(remote.Y)).
				Msg("tick")
		}
	}
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
