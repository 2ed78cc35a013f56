package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/aejsmith/vireo/pkg/bootcfg"
	"github.com/aejsmith/vireo/pkg/klog"
)

// configCommand loads a boot.toml (or the built-in defaults) and prints
// the effective configuration, so a config file can be sanity-checked
// without booting a simulation.
type configCommand struct {
	configPath string
}

func (*configCommand) Name() string     { return "config" }
func (*configCommand) Synopsis() string { return "print the effective boot configuration" }
func (*configCommand) Usage() string    { return "config [-config path]\n" }

func (c *configCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a boot.toml; defaults to bootcfg.Default()")
}

func (c *configCommand) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	cfg := bootcfg.Default()
	if c.configPath != "" {
		loaded, err := bootcfg.Load(c.configPath)
		if err != nil {
			klog.Printf(klog.Error, "ksim: loading %s: %v", c.configPath, err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}
	fmt.Printf("%+v\n", *cfg)
	return subcommands.ExitSuccess
}
