package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mojo333/udp-repeater/internal/api"
	"github.com/mojo333/udp-repeater/internal/netifaces"
	"github.com/mojo333/udp-repeater/internal/scheduler"
)

func addEngineFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVarP(&o.input, "input", "i", "", "Multicast group (or local unicast address) to receive from")
	fs.IntVar(&o.inputPort, "input-port", 0, "UDP port to receive on")
	fs.StringSliceVar(&o.interfaces, "interfaces", nil, "Join the group only on these interfaces (names or IPv4 addresses)")
	fs.StringVarP(&o.output, "output", "o", "", "Destination host")
	fs.IntVar(&o.outputPort, "output-port", 0, "Destination UDP port")
	fs.BoolVarP(&o.tag, "tag", "t", false, "Append a 10-digit sequence counter to every datagram")
	fs.IntVarP(&o.total, "total", "n", 0, "Stop after this many packets (0 = unlimited)")
	fs.StringVar(&o.captureFile, "capture-file", "", "Append every raw datagram to this file")
	fs.BoolVar(&o.overwrite, "overwrite", false, "Overwrite an existing capture file")
}

func addGenerateFlags(fs *pflag.FlagSet, o *options) {
	fs.IntVarP(&o.payload, "payload", "p", 0, "Generated payload length in bytes")
	fs.IntVarP(&o.rate, "rate", "r", 0, "Generated packets per second")
}

func newRelayCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay the multicast input to the unicast output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, o, false)
		},
	}
	addEngineFlags(cmd.Flags(), o)
	return cmd
}

func newCaptureCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Receive and count the multicast input without forwarding it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, o, true)
		},
	}
	addEngineFlags(cmd.Flags(), o)
	return cmd
}

func runRelay(cmd *cobra.Command, o *options, captureOnly bool) error {
	cfg, err := loadConfig(cmd, o)
	if err != nil {
		return err
	}
	for _, name := range cfg.Input.Interfaces {
		if _, err := netifaces.Resolve(name); err != nil {
			return err
		}
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if captureOnly {
		err = a.engine.StartCaptureOnly()
	} else {
		err = a.engine.Start()
	}
	if err != nil {
		return err
	}

	if cfg.Log.Foreground {
		h, err := a.sched.ScheduleAtFixedRate(func() {
			fmt.Fprintln(cmd.OutOrStdout(), formatStatus(a.engine.Status()))
		}, time.Second, time.Second)
		if err != nil {
			return err
		}
		defer h.Cancel()
	}

	if a.wait(cmd.Context()) {
		fmt.Fprintln(cmd.OutOrStdout(), formatStatus(a.engine.Status()))
	}
	return nil
}

func newGenerateCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Send A-Z filled datagrams to the unicast output at a fixed rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.StartGenerating(cfg.Generate.PayloadLength, cfg.Generate.Rate, cfg.TotalPackets); err != nil {
				return err
			}

			// a capped run gets a progress bar instead of status lines
			var h *scheduler.Handle
			var bar *progressbar.ProgressBar
			switch {
			case cfg.TotalPackets > 0:
				bar = newProgressBar(cmd.ErrOrStderr(), cfg.TotalPackets)
				h, err = a.sched.ScheduleAtFixedRate(func() {
					bar.Set64(a.engine.PacketsReceived())
				}, 0, 100*time.Millisecond)
			case cfg.Log.Foreground:
				h, err = a.sched.ScheduleAtFixedRate(func() {
					fmt.Fprintln(cmd.OutOrStdout(), formatStatus(a.engine.Status()))
				}, time.Second, time.Second)
			}
			if err != nil {
				return err
			}

			ended := a.wait(cmd.Context())
			h.Cancel()
			if bar != nil {
				bar.Set64(a.engine.PacketsReceived())
				bar.Finish()
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if ended {
				fmt.Fprintln(cmd.OutOrStdout(), formatStatus(a.engine.Status()))
			}
			return nil
		},
	}
	addEngineFlags(cmd.Flags(), o)
	addGenerateFlags(cmd.Flags(), o)
	return cmd
}

func newProgressBar(w io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions64(int64(total),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("generating"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("pkt"),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

func newServeCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API and wait for commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			if cfg.API.Listen == "" {
				cfg.API.Listen = "127.0.0.1:8787"
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			srv := api.NewServer(a.engine, api.ServerOptions{Addr: cfg.API.Listen, Logger: a.log})
			if err := srv.Start(); err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "Control API on http://%s%s\n", srv.Addr(), api.Prefix)

			// runs that end on their own leave the server up
			for {
				if !a.wait(cmd.Context()) {
					return nil
				}
				a.log.Monitor("Run ended on its own")
			}
		},
	}
	addEngineFlags(cmd.Flags(), o)
	addGenerateFlags(cmd.Flags(), o)
	cmd.Flags().StringVar(&o.api, "api", "", "Control API listen address (default 127.0.0.1:8787)")
	return cmd
}

func newConfigCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			out, err := cfg.Dumps()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	addEngineFlags(cmd.Flags(), o)
	addGenerateFlags(cmd.Flags(), o)
	cmd.Flags().StringVar(&o.api, "api", "", "Control API listen address")
	return cmd
}
