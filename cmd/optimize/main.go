// Command optimize runs portfolio optimizations from the command line.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"

	"github.com/manujajay/portfolio-optimize/internal/cli"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))

	for _, c := range cli.Commands {
		commander.Register(c, "")
	}
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
