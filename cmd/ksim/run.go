package main

import (
	"context"
	"flag"
	"time"

	"github.com/google/subcommands"

	"github.com/aejsmith/vireo/pkg/bootcfg"
	"github.com/aejsmith/vireo/pkg/hostarch"
	"github.com/aejsmith/vireo/pkg/klog"
	"github.com/aejsmith/vireo/pkg/sentry/kernel"
	"github.com/aejsmith/vireo/pkg/sentry/kernel/dpc"
	"github.com/aejsmith/vireo/pkg/sentry/kernel/waitq"
	"github.com/aejsmith/vireo/pkg/sentry/mm"
	"github.com/aejsmith/vireo/pkg/sentry/pgalloc"
	"github.com/aejsmith/vireo/pkg/sentry/platform/soft"
)

// runCommand boots a scheduler with a couple of demo processes and
// drives its preemption tick on a wall-clock ticker, logging dispatch
// decisions as they happen. It is a harness for watching the scheduler's
// dispatch/priority-decay algorithm run, not a real init system.
type runCommand struct {
	configPath string
	duration   time.Duration
}

func (*runCommand) Name() string     { return "run" }
func (*runCommand) Synopsis() string { return "boot a simulated kernel and drive its scheduler" }
func (*runCommand) Usage() string {
	return "run [-config path] [-duration 2s]\n"
}

func (c *runCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a boot.toml; defaults to bootcfg.Default()")
	f.DurationVar(&c.duration, "duration", 2*time.Second, "how long to run the simulation")
}

func (c *runCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := bootcfg.Default()
	if c.configPath != "" {
		loaded, err := bootcfg.Load(c.configPath)
		if err != nil {
			klog.Printf(klog.Error, "ksim: loading %s: %v", c.configPath, err)
			return subcommands.ExitFailure
		}
		if diff, err := bootcfg.Diff(cfg, loaded); err == nil && len(diff) > 0 {
			klog.Printf(klog.Info, "ksim: config overrides: %+v", diff)
		}
		cfg = loaded
	}

	mf, err := pgalloc.NewMemoryFile(cfg.MemoryBytes)
	if err != nil {
		klog.Printf(klog.Error, "ksim: creating memory file: %v", err)
		return subcommands.ExitFailure
	}
	defer mf.Close()
	if err := mf.RangeAdd(0, cfg.MemoryBytes); err != nil {
		klog.Printf(klog.Error, "ksim: registering memory range: %v", err)
		return subcommands.ExitFailure
	}

	factory := soft.NewFactory(nil)

	workers := dpc.New(cfg.DPCQueueCapacity)
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	go workers.Run(workerCtx)

	stopReaper := make(chan struct{})
	defer close(stopReaper)
	go kernel.RunReaper(stopReaper)

	sched := kernel.NewScheduler(numCPUs(cfg), func(cpuID int) *kernel.Thread {
		return kernel.NewIdleThread(nil, cpuID)
	})

	q := waitq.New()

	producer := bootProcess(sched, factory, mf, "producer", func(t *kernel.Thread) {
		for i := 0; i < 5 && !t.Killed(); i++ {
			workers.Request(func(any) {
				klog.Printf(klog.Debug, "ksim: producer %d tick %d", t.ID, i)
				q.Wake()
			}, nil)
			time.Sleep(cfg.Quantum() * 2)
		}
	})
	consumer := bootProcess(sched, factory, mf, "consumer", func(t *kernel.Thread) {
		for i := 0; i < 5 && !t.Killed(); i++ {
			t.Sleep(q, true, cfg.Quantum()*10)
			klog.Printf(klog.Debug, "ksim: consumer %d woke on iteration %d", t.ID, i)
		}
	})

	deadline := time.Now().Add(c.duration)
	ticker := time.NewTicker(cfg.Quantum())
	defer ticker.Stop()
	last := time.Now()
	for time.Now().Before(deadline) {
		<-ticker.C
		now := time.Now()
		elapsed := now.Sub(last)
		last = now
		for i := 0; i < numCPUs(cfg); i++ {
			sched.Tick(sched.CPU(i), elapsed)
		}
	}

	for _, t := range append(producer.Threads(), consumer.Threads()...) {
		t.Kill()
	}
	for _, t := range append(producer.Threads(), consumer.Threads()...) {
		t.Wait()
	}
	workers.Stop()

	klog.Printf(klog.Info, "ksim: simulation complete")
	return subcommands.ExitSuccess
}

func numCPUs(cfg *bootcfg.Config) int {
	if cfg.Uniprocessor {
		return 1
	}
	return cfg.NumCPUs
}

// bootProcess creates a process with its own address space and a single
// thread running body, then runs that thread. body receives the thread
// it runs on, since EntryFunc's arg isn't available until after the
// thread it would reference has been constructed.
func bootProcess(sched *kernel.Scheduler, factory *soft.Factory, mf *pgalloc.MemoryFile, name string, body func(t *kernel.Thread)) *kernel.Process {
	userCtx, err := factory.NewUserContext()
	if err != nil {
		klog.Panic("ksim: creating address space context for %q: %v", name, err)
	}
	as := mm.Create(userCtx, 0, 1<<30)

	proc := kernel.CreateProcess(name, 1, 0, as, 64)
	var t *kernel.Thread
	t = kernel.CreateThread(sched, proc, name, 16, func(any) { body(t) }, nil)
	if _, err := as.MapAnon(mf, hostarch.PageRoundDown(0x1000), hostarch.PageSize, hostarch.ReadWrite, false); err != nil {
		klog.Printf(klog.Warning, "ksim: %s: initial mapping failed: %v", name, err)
	}
	t.Run()
	return proc
}
