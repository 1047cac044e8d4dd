package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/wlsim/internal/bridge"
	"github.com/tinyrange/wlsim/internal/config"
	"github.com/tinyrange/wlsim/internal/logging"
)

// peerCmd is a stand-in for the far side of the bridge. It shares the
// device's port pair, so it binds whichever port the device left free.
type peerCmd struct {
	configPath string
	echo       bool
	send       string
	interval   time.Duration
	dump       bool
}

func (*peerCmd) Name() string     { return "peer" }
func (*peerCmd) Synopsis() string { return "run a UDP test peer for the bridge" }
func (*peerCmd) Usage() string {
	return `peer [flags]
  Log frames arriving from the device and optionally echo them or inject
  a frame periodically.
`
}

func (c *peerCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a YAML configuration file")
	f.BoolVar(&c.echo, "echo", false, "send every received frame back")
	f.StringVar(&c.send, "send", "", "hex encoded frame to inject")
	f.DurationVar(&c.interval, "interval", time.Second, "period between injected frames")
	f.BoolVar(&c.dump, "dump", false, "log a hex dump of each frame")
}

func (c *peerCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wlsimu: %v\n", err)
		return subcommands.ExitUsageError
	}
	var inject []byte
	if c.send != "" {
		if inject, err = hex.DecodeString(c.send); err != nil {
			fmt.Fprintf(os.Stderr, "wlsimu: -send: %v\n", err)
			return subcommands.ExitUsageError
		}
	}
	l, err := logging.New(os.Stderr, cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wlsimu: %v\n", err)
		return subcommands.ExitUsageError
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.run(ctx, l, cfg.Bridge, inject); err != nil {
		l.WithError(err).Error("peer exited")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *peerCmd) run(ctx context.Context, l *logrus.Logger, bc config.BridgeConfig, inject []byte) error {
	var ports [2]int
	copy(ports[:], bc.Ports)
	// Listen and Peer are swapped so a shared config file works for both
	// sides.
	u, err := bridge.ListenUDP(bridge.UDPConfig{
		Listen:      bc.Peer,
		Peer:        bc.Listen,
		Host:        bc.Host,
		Ports:       ports,
		SendRetries: bc.SendRetries,
	}, l, metrics.NewRegistry())
	if err != nil {
		return err
	}
	defer u.Close()

	u.OnReceive(func(frame []byte) {
		entry := l.WithField("size", len(frame))
		if c.dump {
			entry.Info("frame received\n" + hex.Dump(frame))
		} else {
			entry.Info("frame received")
		}
		if c.echo {
			if err := u.Send(frame); err != nil {
				entry.WithError(err).Warn("echo failed")
			}
		}
	})

	if len(inject) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := u.Send(inject); err != nil {
			l.WithError(err).Warn("inject failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
