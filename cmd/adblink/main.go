// Package main implements the adblink operator console: an interactive
// shell that drives the ADB host engine against a networked Android device.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"adblink/pkg/adb"
	"adblink/pkg/transport"
)

// CLI banner with version.
const banner = `
            _ _     _ _       _
   __ _  __| | |__ | (_)_ __ | | __
  / _' |/ _' | '_ \| | | '_ \| |/ /
 | (_| | (_| | |_) | | | | | |   <
  \__,_|\__,_|_.__/|_|_|_| |_|_|\_\

   ADB host console (v1.0)
   -----------------------

`

// pollInterval paces the engine loop between console commands.
const pollInterval = 10 * time.Millisecond

// session owns the engine and the single goroutine that polls it. Console
// commands never touch the engine directly; they are funneled into the
// poll goroutine as closures, keeping the engine single-threaded.
type session struct {
	engine *adb.Engine
	bus    *transport.TCPBus
	ops    chan func()
	stop   chan struct{}

	monitor bool // print every protocol event
}

// Global state.
var (
	config  *Config  // app config
	current *session // running session, nil until attach
)

// newSession builds an engine from the loaded config, points it at addr,
// and starts the poll loop.
func newSession(addr string) *session {
	s := &session{
		engine: adb.New(config.Engine()),
		bus:    transport.NewTCPBus(addr),
		ops:    make(chan func(), 8),
		stop:   make(chan struct{}),
	}
	s.engine.SetEventHandler(s.onEvent)
	s.engine.Init(s.bus)
	go s.loop()
	return s
}

// loop is the only goroutine allowed to call into the engine.
func (s *session) loop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case op := <-s.ops:
			op()
		case <-ticker.C:
			if err := s.engine.Poll(); err != nil {
				log.Warn().Err(err).Msg("Poll failed")
			}
		}
	}
}

// do runs fn on the poll goroutine and waits for it to finish.
func (s *session) do(fn func()) {
	done := make(chan struct{})
	s.ops <- func() {
		fn()
		close(done)
	}
	<-done
}

// close stops the poll loop and drops the link.
func (s *session) close() {
	close(s.stop)
	s.bus.Close()
}

// onEvent is the process-wide event handler; it narrates protocol activity
// when monitoring is enabled.
func (s *session) onEvent(e adb.Event) {
	if !s.monitor {
		return
	}
	switch e.Type {
	case adb.EventConnect:
		log.Info().Str("banner", string(e.Data)).Msg("Event: device connected")
	case adb.EventConnectionReceive:
		log.Info().Str("dest", e.Dest).Int("bytes", len(e.Data)).
			Str("data", string(e.Data)).Msg("Event: receive")
	default:
		log.Info().Str("dest", e.Dest).Str("event", e.Type.String()).Msg("Event")
	}
}

// RenderConnectionTable formats the connection pool into a readable table.
func RenderConnectionTable(infos []adb.ConnectionInfo) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{
		"Local ID",
		"Remote ID",
		"Destination",
		"State",
		"Persistent",
	})

	for _, info := range infos {
		t.AppendRow(table.Row{
			info.LocalID,
			info.RemoteID,
			info.Dest,
			info.State.String(),
			info.Persistent,
		})
	}

	return t.Render()
}

// AddCommands registers all CLI commands with the application.
func AddCommands(app *grumble.App) {
	// Command to attach to a device.
	app.AddCommand(&grumble.Command{
		Name: "attach",
		Help: "attach to a networked adb device and start polling",
		Args: func(a *grumble.Args) {
			a.String("address", "device address (host:port)", grumble.Default(""))
		},
		Run: func(c *grumble.Context) error {
			if current != nil {
				log.Warn().Msg("Already attached. Use 'detach' first")
				return nil
			}

			addr := c.Args.String("address")
			if addr == "" {
				addr = config.Address
			}
			if addr == "" {
				log.Warn().Msg("No device address given and none configured")
				return nil
			}

			current = newSession(addr)
			log.Info().Str("addr", addr).Msg("Session started")
			c.App.SetPrompt(addr + " » ")
			return nil
		},
	})
	// Command to drop the device link.
	app.AddCommand(&grumble.Command{
		Name: "detach",
		Help: "stop polling and drop the device link",
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Warn().Msg("Not attached")
				return nil
			}

			current.close()
			current = nil
			c.App.SetPrompt("adblink » ")
			log.Info().Msg("Session stopped")
			return nil
		},
	})
	// Command to register a connection.
	app.AddCommand(&grumble.Command{
		Name: "add",
		Help: "register a connection to a device service, e.g. tcp:1234 or shell:ls",
		Args: func(a *grumble.Args) {
			a.String("destination", "service to open on the device")
		},
		Flags: func(f *grumble.Flags) {
			f.Bool("p", "persistent", false, "reopen automatically after close")
		},
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Warn().Msg("Not attached. Use 'attach <address>' first")
				return nil
			}

			dest := c.Args.String("destination")
			persistent := c.Flags.Bool("persistent")

			var err error
			current.do(func() {
				_, err = current.engine.AddConnection(dest, persistent, nil)
			})
			if err != nil {
				log.Error().Err(err).Str("dest", dest).Msg("Failed to add connection")
				return nil
			}

			log.Info().Str("dest", dest).Bool("persistent", persistent).Msg("Connection registered")
			return nil
		},
	})
	// Command to write to an open connection.
	app.AddCommand(&grumble.Command{
		Name: "write",
		Help: "write a string to an open connection by local id",
		Args: func(a *grumble.Args) {
			a.String("local-id", "local id of the connection (see 'ls')")
			a.String("text", "text to send")
		},
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Warn().Msg("Not attached. Use 'attach <address>' first")
				return nil
			}

			id, err := strconv.ParseUint(c.Args.String("local-id"), 10, 32)
			if err != nil {
				log.Error().Err(err).Msg("Invalid local id")
				return nil
			}
			text := c.Args.String("text")

			var writeErr error
			current.do(func() {
				for _, info := range current.engine.Connections() {
					if info.LocalID == uint32(id) {
						writeErr = current.engine.WriteString(info.Handle, text)
						return
					}
				}
				writeErr = fmt.Errorf("no connection with local id %d", id)
			})
			if writeErr != nil {
				log.Error().Err(writeErr).Msg("Write failed")
				return nil
			}

			log.Info().Uint64("local_id", id).Int("bytes", len(text)+1).Msg("Write sent")
			return nil
		},
	})
	// Command to list the connection pool.
	app.AddCommand(&grumble.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Help:    "list registered connections",
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Warn().Msg("Not attached. Use 'attach <address>' first")
				return nil
			}

			var infos []adb.ConnectionInfo
			var connected bool
			current.do(func() {
				infos = current.engine.Connections()
				connected = current.engine.Connected()
			})

			log.Info().Bool("device_connected", connected).Msg("Session state")
			if len(infos) == 0 {
				log.Info().Msg("No connections registered")
				return nil
			}

			c.App.Println(RenderConnectionTable(infos))
			return nil
		},
	})
	// Command to toggle event narration.
	app.AddCommand(&grumble.Command{
		Name: "monitor",
		Help: "toggle printing of protocol events",
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Warn().Msg("Not attached. Use 'attach <address>' first")
				return nil
			}

			var enabled bool
			current.do(func() {
				current.monitor = !current.monitor
				enabled = current.monitor
			})
			log.Info().Bool("enabled", enabled).Msg("Event monitor")
			return nil
		},
	})
}

// main is the entry point for the application.
func main() {
	configureLogging()

	app := setupCLI()
	AddCommands(app)

	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with appropriate formatting and level.
func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface.
func setupCLI() *grumble.App {
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".adblink"
	} else {
		histFile = filepath.Join(home, ".adblink")
	}

	app := grumble.New(&grumble.Config{
		Name:        "adblink",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "", "path to configuration file")
			f.Bool("d", "debug", false, "enable debug logging")
		},
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		if flags.Bool("debug") {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}

		var err error
		config, err = LoadConfig(flags.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		return nil
	})

	app.OnClose(func() error {
		if current != nil {
			current.close()
			current = nil
		}
		return nil
	})

	return app
}
