package kernel

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aejsmith/vireo/pkg/klog"
	"github.com/aejsmith/vireo/pkg/ksync"
)

// NumPriorityLevels is the number of FIFO levels in each per-CPU run
// queue.
const NumPriorityLevels = 32

// Quantum is the fixed timeslice a dispatched thread receives.
const Quantum = 3 * time.Millisecond

// Priority computes a thread's scheduling priority from its process's
// priority class and its own thread priority.
func Priority(processPriorityClass, threadPriority int) int32 {
	p := 5 + processPriorityClass*8 + (threadPriority-1)*2
	switch {
	case p < 0:
		return 0
	case p > 31:
		return 31
	default:
		return int32(p)
	}
}

// runQueue is one of a CPU's two priority queues: 32 FIFO lists plus a
// bitmap of non-empty levels, giving O(1) highest-priority pop.
type runQueue struct {
	bitmap uint32
	lists  [NumPriorityLevels][]*Thread
}

func (q *runQueue) push(t *Thread) {
	lvl := t.currPrio.Load()
	q.lists[lvl] = append(q.lists[lvl], t)
	q.bitmap |= 1 << uint(lvl)
}

func (q *runQueue) pop() *Thread {
	if q.bitmap == 0 {
		return nil
	}
	lvl := bits.Len32(q.bitmap) - 1
	list := q.lists[lvl]
	t := list[0]
	q.lists[lvl] = list[1:]
	if len(q.lists[lvl]) == 0 {
		q.bitmap &^= 1 << uint(lvl)
	}
	return t
}

func (q *runQueue) len() int {
	n := 0
	for _, l := range q.lists {
		n += len(l)
	}
	return n
}

// CPU is one CPU's scheduler state: active/expired run queues, the idle
// thread, and the currently running thread.
type CPU struct {
	ID int

	lock    ksync.RunQueueLock
	active  *runQueue
	expired *runQueue
	idle    *Thread
	current *Thread

	needResched atomic.Bool
}

func (c *CPU) load() int {
	c.lock.LockIRQSave()
	defer c.lock.UnlockIRQRestore()
	n := c.active.len() + c.expired.len()
	if c.current != nil && c.current != c.idle {
		n++
	}
	return n
}

// Scheduler is the process-wide set of per-CPU schedulers: preemptive
// SMP with parallel OS threads, one logical execution context per CPU.
type Scheduler struct {
	cpus []*CPU

	threadsRunning atomic.Int32

	// ipiLimiter rate-limits the simulated cross-CPU "reschedule IPI" a
	// remote Insert sends, so a storm of inserts targeting an already
	// busy CPU doesn't spam the (simulated) interrupt controller.
	ipiLimiter *rate.Limiter
	ipiHook    func(cpu int) // test/diagnostic seam; nil in production.

	mu sync.Mutex // serializes Insert's cross-CPU load comparison.
}

// NewScheduler creates a scheduler with the given number of CPUs. idle
// is called once per CPU to construct that CPU's idle thread.
func NewScheduler(numCPUs int, idle func(cpuID int) *Thread) *Scheduler {
	s := &Scheduler{
		ipiLimiter: rate.NewLimiter(rate.Every(time.Millisecond), 4),
	}
	s.cpus = make([]*CPU, numCPUs)
	for i := range s.cpus {
		c := &CPU{ID: i, active: &runQueue{}, expired: &runQueue{}}
		c.idle = idle(i)
		c.idle.cpu.Store(int32(i))
		c.current = c.idle
		s.cpus[i] = c
	}
	return s
}

// CPU returns the scheduler state for CPU id.
func (s *Scheduler) CPU(id int) *CPU { return s.cpus[id] }

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func (s *Scheduler) totalLoad() int {
	total := 0
	for _, c := range s.cpus {
		total += c.load()
	}
	return total
}

// Insert chooses a CPU for t by load and appends it to that CPU's active
// queue. A wired thread has no choice: it stays on its
// current CPU.
func (s *Scheduler) Insert(t *Thread) {
	for _, c := range s.cpus {
		if t == c.idle {
			klog.Panic("kernel: scheduler.Insert called on the idle thread")
		}
	}

	s.mu.Lock()
	var chosen *CPU
	if t.wireCount.Load() > 0 || t.preemptCount.Load() > 0 {
		chosen = s.cpus[t.cpu.Load()]
	} else {
		avg := ceilDiv(s.totalLoad(), len(s.cpus))
		prev := s.cpus[t.cpu.Load()]
		if prev.load() <= avg {
			chosen = prev
		} else {
			chosen = prev
			for _, c := range s.cpus {
				if c.load() < avg {
					chosen = c
					break
				}
			}
		}
	}
	s.mu.Unlock()

	t.cpu.Store(int32(chosen.ID))
	t.state.Store(int32(Ready))

	chosen.lock.LockIRQSave()
	chosen.active.push(t)
	outranks := chosen.current == nil || t.currPrio.Load() > chosen.current.currPrio.Load()
	chosen.lock.UnlockIRQRestore()

	if outranks {
		chosen.needResched.Store(true)
		if s.ipiHook != nil && s.ipiLimiter.Allow() {
			s.ipiHook(chosen.ID)
		}
	}
}

// Reschedule implements the dispatch algorithm. The
// caller must not be holding cpu.lock.
func (s *Scheduler) Reschedule(cpu *CPU) {
	cpu.lock.LockIRQSave()

	prev := cpu.current
	prevState := State(-1)
	if prev != nil {
		prevState = State(prev.state.Load())
	}

	if prev != nil && prev != cpu.idle {
		switch {
		case prevState == Sleeping:
			raisePrio(prev)
		case prev.timeslice.Load() <= 0:
			lowerPrio(prev)
		}

		if prevState == Running {
			prev.state.Store(int32(Ready))
			cpu.expired.push(prev)
		} else {
			s.threadsRunning.Add(-1)
		}
	}

	next := cpu.active.pop()
	if next == nil && cpu.expired.bitmap != 0 {
		cpu.active, cpu.expired = cpu.expired, cpu.active
		next = cpu.active.pop()
	}
	if next == nil {
		next = cpu.idle
	}

	next.timeslice.Store(int64(Quantum))
	next.state.Store(int32(Running))
	next.cpu.Store(int32(cpu.ID))
	cpu.current = next
	cpu.needResched.Store(false)

	cpu.lock.UnlockIRQRestore()

	if next != prev && next.Owner != nil && next.Owner.AddressSpace != nil {
		next.Owner.AddressSpace.Switch()
	}
}

// raisePrio/lowerPrio implement priority decay: a thread that slept
// before exhausting its timeslice is rewarded; one that burned through
// its whole timeslice is penalized, each clamped to [max_prio-5, max_prio].
func raisePrio(t *Thread) {
	if cur := t.currPrio.Load(); cur < t.maxPrio {
		t.currPrio.Store(cur + 1)
	}
}

func lowerPrio(t *Thread) {
	floor := t.maxPrio - 5
	if floor < 0 {
		floor = 0
	}
	cur := t.currPrio.Load()
	if cur > floor {
		t.currPrio.Store(cur - 1)
	}
}

// Tick simulates a scheduler timer: consumes elapsed from the CPU's
// running thread and reschedules once its timeslice is exhausted. The
// simulated kernel has no real hardware preemption timer, so tests and
// cmd/ksim drive this explicitly rather than waiting on a real interrupt
//.
func (s *Scheduler) Tick(cpu *CPU, elapsed time.Duration) {
	cur := cpu.current
	if cur == nil || cur == cpu.idle {
		return
	}
	if cur.timeslice.Add(-int64(elapsed)) <= 0 {
		cur.timeslice.Store(0)
		s.Reschedule(cpu)
	}
}
