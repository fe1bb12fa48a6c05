// udp-repeater relays a UDP multicast stream to a unicast destination,
// optionally stamping each datagram with a sequence counter, or generates
// synthetic traffic at a fixed rate.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mojo333/udp-repeater/internal/config"
	"github.com/mojo333/udp-repeater/internal/logger"
	"github.com/mojo333/udp-repeater/internal/monitoring"
	"github.com/mojo333/udp-repeater/internal/relay"
	"github.com/mojo333/udp-repeater/internal/scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options holds every flag. Engine flags only override the config file
// when given explicitly.
type options struct {
	configPath string
	verbose    bool
	foreground bool
	syslog     bool
	logfile    string
	monitor    string
	metrics    string

	input      string
	inputPort  int
	interfaces []string
	output     string
	outputPort int
	tag        bool
	total      int

	captureFile string
	overwrite   bool

	payload int
	rate    int

	api string
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "udp-repeater",
		Short: "Relay, tag and generate UDP multicast test traffic",
		Long: `udp-repeater receives datagrams from a multicast group and forwards them
to one unicast destination, optionally appending a 10-digit sequence
counter to each. In generate mode it sends an A-Z filled payload at a
fixed rate instead.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "Enable verbose output")
	pf.BoolVar(&o.foreground, "foreground", true, "Log and print status to stdout")
	pf.BoolVar(&o.syslog, "syslog", false, "Also log to syslog")
	pf.StringVar(&o.logfile, "logfile", "", "Save logs to this file")
	pf.StringVar(&o.monitor, "monitor", "", "Write run lifecycle events and warnings to this file")
	pf.StringVar(&o.metrics, "metrics", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	root.AddCommand(
		newRelayCmd(o),
		newCaptureCmd(o),
		newGenerateCmd(o),
		newServeCmd(o),
		newConfigCmd(o),
	)
	return root
}

// loadConfig reads the config file (or the defaults) and applies the flags
// the user set.
func loadConfig(cmd *cobra.Command, o *options) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("verbose", func() { cfg.Log.Verbose = o.verbose })
	set("foreground", func() { cfg.Log.Foreground = o.foreground })
	set("syslog", func() { cfg.Log.Syslog = o.syslog })
	set("logfile", func() { cfg.Log.Logfile = o.logfile })
	set("monitor", func() { cfg.Log.Monitor = o.monitor })
	set("metrics", func() { cfg.Metrics.Listen = o.metrics })
	set("input", func() { cfg.Input.Address = o.input })
	set("input-port", func() { cfg.Input.Port = o.inputPort })
	set("interfaces", func() { cfg.Input.Interfaces = o.interfaces })
	set("output", func() { cfg.Output.Address = o.output })
	set("output-port", func() { cfg.Output.Port = o.outputPort })
	set("tag", func() { cfg.AddSequenceCounter = o.tag })
	set("total", func() { cfg.TotalPackets = o.total })
	set("capture-file", func() { cfg.CaptureFile.Path = o.captureFile })
	set("overwrite", func() { cfg.CaptureFile.Overwrite = o.overwrite })
	set("payload", func() { cfg.Generate.PayloadLength = o.payload })
	set("rate", func() { cfg.Generate.Rate = o.rate })
	set("api", func() { cfg.API.Listen = o.api })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is everything one command invocation owns.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	sched   *scheduler.Scheduler
	engine  *relay.Engine
	metrics *monitoring.Server
	ended   chan relay.Status
}

func newApp(cfg *config.Config) (*app, error) {
	if !cfg.Log.Foreground {
		// no fork in Go; leave daemonizing to systemd or similar
		os.Stdin.Close()
	}

	log, err := logger.New(logger.Options{
		Foreground: cfg.Log.Foreground,
		Logfile:    cfg.Log.Logfile,
		Verbose:    cfg.Log.Verbose,
		Syslog:     cfg.Log.Syslog,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	if cfg.Log.Monitor != "" {
		if err := log.SetMonitor(cfg.Log.Monitor); err != nil {
			log.Close()
			return nil, err
		}
	}

	a := &app{
		cfg:   cfg,
		log:   log,
		sched: scheduler.New(log),
		ended: make(chan relay.Status, 1),
	}
	a.engine = relay.New(relay.Options{
		Logger:    log,
		Scheduler: a.sched,
		OnRunEnded: func(s relay.Status) {
			select {
			case a.ended <- s:
			default:
			}
		},
	})
	if err := a.engine.Configure(cfg.Engine()); err != nil {
		a.close()
		return nil, err
	}

	if cfg.CaptureFile.Path != "" {
		if err := a.engine.StartFileCapture(cfg.CaptureFile.Path, cfg.CaptureFile.Overwrite); err != nil {
			a.close()
			return nil, err
		}
	}

	if cfg.Metrics.Listen != "" {
		srv, err := monitoring.NewServer(cfg.Metrics.Listen, monitoring.NewRegistry(a.engine), log)
		if err != nil {
			a.close()
			return nil, err
		}
		srv.Start()
		a.metrics = srv
	}
	return a, nil
}

// close stops the run and the file capture, as the Stop button did, then
// releases everything else.
func (a *app) close() {
	a.engine.Stop()
	if err := a.engine.StopFileCapture(); err != nil {
		a.log.Warning("Stopping file capture: %v", err)
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a.metrics.Shutdown(ctx)
		cancel()
	}
	a.engine.Close()
	a.sched.Shutdown()
	a.log.Close()
}

// wait blocks until a signal arrives, ctx ends, or the run ends by itself
// (packet cap reached or input lost).
// It reports whether the run ended on its own.
func (a *app) wait(ctx context.Context) bool {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
		return false
	case <-a.ended:
		return true
	}
}
