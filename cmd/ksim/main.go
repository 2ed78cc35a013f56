// Command ksim is a debug/simulation harness for the kernel core: it
// boots a scheduler and a couple of demo processes/threads entirely in
// userspace and drives the scheduler's timer tick on a wall clock, so the
// dispatch/priority-decay logic in pkg/sentry/kernel can be watched
// running rather than only exercised from unit tests.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/containerd/console"
	"github.com/google/subcommands"

	"github.com/aejsmith/vireo/pkg/klog"
)

func main() {
	if c, err := console.ConsoleFromFile(os.Stdout); err == nil {
		klog.SetOutput(c)
	}

	commander := subcommands.NewCommander(flag.CommandLine, "ksim")
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")
	commander.Register(&runCommand{}, "")
	commander.Register(&configCommand{}, "")
	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
