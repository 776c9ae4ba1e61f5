//go:build linux

package host

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// core tracks occupancy of one worker CPU. Workers run as OS-thread-locked
// goroutines pinned to their CPU with sched_setaffinity, which is as close
// to an exclusive lcore as a stock kernel offers. True exclusivity needs
// isolcpus or cpusets arranged by the operator.
type core struct {
	mu   sync.Mutex
	busy bool
	done chan struct{}
}

// layoutCores picks the control core and the worker set. Defaults: the CPU
// the init thread happens to run on is the control core and every other
// online CPU is a worker.
func (e *Env) layoutCores(mainCore int, workers []int) error {
	n := runtime.NumCPU()
	if mainCore < 0 {
		mainCore = currentCPU()
		if mainCore >= n {
			mainCore = 0
		}
	}
	if mainCore >= n {
		return fmt.Errorf("main core %d out of range (%d cpus)", mainCore, n)
	}
	if len(workers) == 0 {
		for id := 0; id < n; id++ {
			if id != mainCore {
				workers = append(workers, id)
			}
		}
	}
	e.cores = make(map[int]*core, len(workers))
	for _, id := range workers {
		if id == mainCore {
			return fmt.Errorf("core %d is the main core", id)
		}
		if id >= n {
			return fmt.Errorf("worker core %d out of range (%d cpus)", id, n)
		}
		e.cores[id] = &core{}
	}
	e.mainCore = mainCore
	e.workers = workers
	return nil
}

// currentCPU returns the CPU the calling thread is running on. x/sys has
// no getcpu wrapper, only the syscall number, so the call is raw. CPU 0 on
// failure.
func currentCPU() int {
	var cpu uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU,
		uintptr(unsafe.Pointer(&cpu)), 0, 0)
	if errno != 0 {
		return 0
	}
	return int(cpu)
}

func (e *Env) MainCore() int { return e.mainCore }

func (e *Env) WorkerCores() []int {
	out := make([]int, len(e.workers))
	copy(out, e.workers)
	return out
}

func (e *Env) Launch(id int, fn func()) error {
	c, ok := e.cores[id]
	if !ok {
		return fmt.Errorf("launch on unknown core %d", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return fmt.Errorf("core %d already busy", id)
	}
	c.busy = true
	c.done = make(chan struct{})
	go func() {
		defer func() {
			c.mu.Lock()
			c.busy = false
			c.mu.Unlock()
			close(c.done)
		}()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		var set unix.CPUSet
		set.Set(id)
		if err := unix.SchedSetaffinity(0, &set); err == nil {
			defer func() {
				// Let the scheduler place this thread anywhere again
				// before it goes back to the pool.
				var all unix.CPUSet
				for i := 0; i < runtime.NumCPU(); i++ {
					all.Set(i)
				}
				unix.SchedSetaffinity(0, &all)
			}()
		}
		fn()
	}()
	return nil
}

func (e *Env) Wait(id int) {
	c, ok := e.cores[id]
	if !ok {
		return
	}
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Env) Yield() { runtime.Gosched() }
