// wlsimu is a user-space model of a DMA-ring wireless network device. It
// bridges frames between guest memory and a UDP peer and exposes the
// device registers over a control socket.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

// Version is replaced at link time.
var Version = "dev"

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&serveCmd{}, "")
	subcommands.Register(&peerCmd{}, "")
	subcommands.Register(&pokeCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
