package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/subcommands"

	"github.com/tinyrange/wlsim/internal/config"
	"github.com/tinyrange/wlsim/internal/ipc"
)

type pokeCmd struct {
	socket  string
	timeout time.Duration
}

func (*pokeCmd) Name() string     { return "poke" }
func (*pokeCmd) Synopsis() string { return "access a running device through its control socket" }
func (*pokeCmd) Usage() string {
	return `poke [flags] <op> [args]
  read <addr>               32-bit MMIO read
  write <addr> <value>      32-bit MMIO write
  mem-read <addr> <length>  hex dump of guest memory
  mem-write <addr> <hex>    write bytes to guest memory
  irq                       report the interrupt line level
  reset                     reset every device
`
}

func (c *pokeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.socket, "socket", config.Default().IPC.Socket, "control socket path")
	f.DurationVar(&c.timeout, "timeout", 2*time.Second, "connect timeout")
}

func (c *pokeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.run(f.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "wlsimu: poke: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *pokeCmd) run(args []string) error {
	op, args := args[0], args[1:]
	want := map[string]int{"read": 1, "write": 2, "mem-read": 2, "mem-write": 2, "irq": 0, "reset": 0}
	n, ok := want[op]
	if !ok {
		return fmt.Errorf("unknown operation %q", op)
	}
	if len(args) != n {
		return fmt.Errorf("%s takes %d arguments", op, n)
	}

	client, err := ipc.ConnectTo(c.socket, c.timeout)
	if err != nil {
		return err
	}
	defer client.Close()

	switch op {
	case "irq":
		level, err := client.IRQLevel()
		if err != nil {
			return err
		}
		fmt.Println(level)
		return nil
	case "reset":
		return client.Reset()
	}

	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	switch op {
	case "read":
		v, err := client.ReadMMIO(addr)
		if err != nil {
			return err
		}
		fmt.Printf("0x%08x\n", v)
	case "write":
		v, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return fmt.Errorf("value: %w", err)
		}
		return client.WriteMMIO(addr, uint32(v))
	case "mem-read":
		length, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return fmt.Errorf("length: %w", err)
		}
		data, err := client.ReadMemory(addr, uint32(length))
		if err != nil {
			return err
		}
		fmt.Print(hex.Dump(data))
	case "mem-write":
		data, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("data: %w", err)
		}
		return client.WriteMemory(addr, data)
	}
	return nil
}
