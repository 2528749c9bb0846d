// gcdctl drives a demo Global Coherency Domain from the command line.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/smoynes/elsie/internal/cli"
	"github.com/smoynes/elsie/internal/cli/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	commands := []cli.Command{
		cmd.GCD(),
	}

	commander := cli.New(ctx).
		WithCommands(commands).
		WithHelp(cmd.Help(commands)).
		WithLogger(os.Stderr)

	os.Exit(commander.Execute(os.Args[1:]))
}
