package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/wlsim/internal/bridge"
	"github.com/tinyrange/wlsim/internal/chipset"
	"github.com/tinyrange/wlsim/internal/config"
	"github.com/tinyrange/wlsim/internal/devices/wireless"
	"github.com/tinyrange/wlsim/internal/guestmem"
	"github.com/tinyrange/wlsim/internal/ipc"
	"github.com/tinyrange/wlsim/internal/logging"
	"github.com/tinyrange/wlsim/internal/pcap"
	"github.com/tinyrange/wlsim/internal/stats"
)

type serveCmd struct {
	configPath string
	logLevel   string
	socket     string
	capture    string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the device model" }
func (*serveCmd) Usage() string {
	return `serve [flags]
  Run the device, bridge frames to the UDP peer and serve the control socket.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a YAML configuration file")
	f.StringVar(&c.logLevel, "log-level", "", "override logging.level")
	f.StringVar(&c.socket, "socket", "", "override ipc.socket")
	f.StringVar(&c.capture, "capture", "", "override bridge.capture")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wlsimu: %v\n", err)
		return subcommands.ExitUsageError
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.socket != "" {
		cfg.IPC.Socket = c.socket
	}
	if c.capture != "" {
		cfg.Bridge.Capture = c.capture
	}

	l, err := logging.New(os.Stderr, cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wlsimu: %v\n", err)
		return subcommands.ExitUsageError
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, l, cfg); err != nil {
		l.WithError(err).Error("wlsimu exited")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func serve(ctx context.Context, l *logrus.Logger, cfg config.Config) error {
	reg := metrics.NewRegistry()
	exporter, err := stats.Start(l, cfg.Stats, reg, Version)
	if err != nil {
		return err
	}
	defer exporter.Close()

	mem, err := guestmem.NewRAM(cfg.Guest.MemorySize)
	if err != nil {
		return err
	}
	defer mem.Close()

	peer, err := openPeer(l, cfg.Bridge, reg)
	if err != nil {
		return err
	}
	defer peer.Close()

	if cfg.Bridge.Capture != "" {
		f, err := os.Create(cfg.Bridge.Capture)
		if err != nil {
			return fmt.Errorf("create capture file: %w", err)
		}
		defer f.Close()
		w, err := pcap.NewWriter(f, bridge.CaptureSnapLen, pcap.LinkTypeUser0)
		if err != nil {
			return err
		}
		peer = bridge.WithCapture(peer, w, l)
		l.WithField("path", cfg.Bridge.Capture).Info("capturing frames")
	}

	lines := chipset.NewLineSet(chipset.InterruptSinkFunc(func(line uint8, level bool) {
		l.WithFields(logrus.Fields{"line": line, "level": level}).Debug("interrupt line changed")
	}))

	dev, err := wireless.New(wireless.Options{
		Device:  cfg.Device,
		Budget:  cfg.DMA.Budget,
		Memory:  mem,
		Peer:    peer,
		IRQ:     lines.AllocateLine(cfg.Device.IRQLine),
		Logger:  l.WithField("device", "wireless"),
		Metrics: reg,
	})
	if err != nil {
		return err
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("wireless", dev); err != nil {
		return err
	}
	cs, err := b.Build()
	if err != nil {
		return err
	}
	if err := cs.Start(); err != nil {
		return err
	}
	defer cs.Stop()

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	pollErr := make(chan error, 1)
	go func() { pollErr <- cs.Run(pollCtx, cfg.Device.PollInterval) }()

	router := ipc.NewDeviceRouter(cs, mem, func() bool { return lines.Level(cfg.Device.IRQLine) }, reg)
	srv, err := ipc.NewServer(cfg.IPC.Socket, router.Handler(), l)
	if err != nil {
		return err
	}
	defer srv.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	l.WithFields(logrus.Fields{
		"socket":    cfg.IPC.Socket,
		"mmio_base": fmt.Sprintf("0x%x", cfg.Device.MMIOBase),
		"memory":    cfg.Guest.MemorySize,
		"version":   Version,
	}).Info("wlsimu running")

	select {
	case <-ctx.Done():
		l.Info("shutting down")
		return nil
	case err := <-serveErr:
		return err
	case err := <-pollErr:
		return err
	}
}

func openPeer(l *logrus.Logger, c config.BridgeConfig, reg metrics.Registry) (bridge.Peer, error) {
	switch c.Mode {
	case "udp":
		var ports [2]int
		copy(ports[:], c.Ports)
		u, err := bridge.ListenUDP(bridge.UDPConfig{
			Listen:      c.Listen,
			Peer:        c.Peer,
			Host:        c.Host,
			Ports:       ports,
			SendRetries: c.SendRetries,
		}, l, reg)
		if err != nil {
			return nil, err
		}
		return u, nil
	case "none":
		// The far end has no receiver, so transmitted frames are counted
		// and dropped. Nothing is ever received.
		local, _ := bridge.NewLoopback(reg)
		return local, nil
	}
	return nil, errors.New("bridge.mode was not understood: " + c.Mode)
}
