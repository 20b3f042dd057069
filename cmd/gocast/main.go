package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/calacade/gocast/internal/config"
	"github.com/calacade/gocast/internal/device"
	"github.com/calacade/gocast/internal/discovery"
	"github.com/calacade/gocast/internal/orch"
	"github.com/calacade/gocast/internal/protocol"
	"github.com/calacade/gocast/internal/session"
	"github.com/calacade/gocast/internal/transport"
	"github.com/calacade/gocast/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version":
		fmt.Printf("gocast %s (%s)\n", version.VERSION, version.Commit)
	case "status":
		runStatus(os.Args[2:])
	case "load":
		runLoad(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gocast status -host <addr> [-port <port>]")
	fmt.Fprintln(os.Stderr, "       gocast load -host <addr> [-app <appId>] [-type <contentType>] <url>")
	fmt.Fprintln(os.Stderr, "       gocast stop -host <addr>")
	fmt.Fprintln(os.Stderr, "       gocast version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  -host <addr>    device address (required)")
	fmt.Fprintln(os.Stderr, "  -port <port>    device port (default: 8009)")
	fmt.Fprintln(os.Stderr, "  -config <file>  config file path")
	fmt.Fprintln(os.Stderr, "  -v              debug logging")
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	host    string
	port    int
	cfgPath string
	verbose bool
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	var c commonFlags
	fs.StringVar(&c.host, "host", "", "device address (required)")
	fs.IntVar(&c.port, "port", 0, "device port")
	fs.StringVar(&c.cfgPath, "config", "", "config file path")
	fs.BoolVar(&c.verbose, "v", false, "debug logging")
	return &c
}

func setup(c *commonFlags) (*config.Config, zerolog.Logger) {
	if c.host == "" {
		fmt.Fprintln(os.Stderr, "error: -host <addr> is required")
		os.Exit(1)
	}

	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if c.port != 0 {
		cfg.Port = c.port
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
	return cfg, log
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// connectDevice opens a channel to the device named by the flags.
func connectDevice(ctx context.Context, c *commonFlags, cfg *config.Config, log zerolog.Logger) *device.Device {
	d := device.New(c.host, c.host, c.host, cfg.Port, log)
	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	return d
}

// receiverStatus blocks on a receiver GET_STATUS round trip.
func receiverStatus(d *device.Device, timeout time.Duration) (*session.ReceiverStatusMessage, []byte, error) {
	type result struct {
		msg *session.ReceiverStatusMessage
		raw []byte
		err error
	}
	ch := make(chan result, 1)
	d.Send(session.NewStatusRequest(), protocol.NamespaceReceiver, protocol.ReceiverID,
		func(m transport.Message) {
			msg, err := session.ParseReceiverStatus(m.Payload)
			ch <- result{msg, m.Payload, err}
		},
		func(err error) { ch <- result{nil, nil, err} },
		timeout)
	r := <-ch
	return r.msg, r.raw, r.err
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	c := registerCommon(fs)
	fs.Parse(args)
	cfg, log := setup(c)

	ctx, stop := signalContext()
	defer stop()

	d := connectDevice(ctx, c, cfg, log)
	defer d.Stop()

	_, raw, err := receiverStatus(d, cfg.RequestTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
}

func runLoad(args []string) {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	c := registerCommon(fs)
	appID := fs.String("app", "", "receiver application id")
	contentType := fs.String("type", "video/mp4", "content MIME type")
	fs.Parse(args)
	cfg, log := setup(c)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "error: load needs a media URL")
		os.Exit(1)
	}
	url := fs.Arg(0)
	if *appID == "" {
		*appID = cfg.AppID
	}

	ctx, stop := signalContext()
	defer stop()

	o := orch.New(log)
	o.Configure(orch.Config{
		AppID:          *appID,
		AutoJoinPolicy: orch.PageScoped,
		RequestTimeout: cfg.RequestTimeout,
	})

	// A fixed host is registered as a pre-discovered device.
	o.ServiceUp(ctx, discovery.Service{
		ID:        c.host,
		Name:      c.host,
		Addresses: []string{c.host},
		Port:      cfg.Port,
	})

	done := make(chan error, 1)
	o.RequestSession(ctx, "", *appID, func(s *session.Session) {
		log.Info().Str("sessionId", s.SessionID).Str("app", s.DisplayName).Msg("session ready")
		req := session.NewLoadRequest(session.MediaInfo{ContentID: url, ContentType: *contentType})
		s.LoadMedia(req, func(m *session.MediaSession) {
			fmt.Printf("loaded %s (media session %d)\n", url, m.MediaSessionID)
			done <- nil
		}, func(err error) { done <- err })
	}, func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "load: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		os.Exit(1)
	}
}

func runStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	c := registerCommon(fs)
	fs.Parse(args)
	cfg, log := setup(c)

	ctx, stop := signalContext()
	defer stop()

	d := connectDevice(ctx, c, cfg, log)
	defer d.Stop()

	msg, _, err := receiverStatus(d, cfg.RequestTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
	if len(msg.Status.Applications) == 0 {
		fmt.Println("nothing running")
		return
	}

	app := msg.Status.Applications[0]
	done := make(chan error, 1)
	d.Send(session.NewReceiverStopRequest(app.SessionID), protocol.NamespaceReceiver, protocol.ReceiverID,
		func(transport.Message) { done <- nil },
		func(err error) { done <- err },
		cfg.RequestTimeout)

	if err := <-done; err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("stopped %s (%s)\n", app.DisplayName, app.SessionID)
}
