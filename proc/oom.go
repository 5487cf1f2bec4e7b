package proc

import "fmt"

import "kcore/defs"
import "kcore/mem"
import "kcore/vm"

// Oom_kill is the last resort when neither the frame allocator nor swap can
// produce a frame: the live process with the largest footprint is killed.
// Its memory comes back when it is reaped. It returns false if there is
// nothing to kill.
func (pm *Pm_t) Oom_kill() (defs.Pid_t, bool) {
	// the oom killer's memory use should have a small bound
	var procs []*Proc_t
	pm.Iter(func(p *Proc_t) bool {
		procs = append(procs, p)
		return false
	})

	var memmax int
	var vic *Proc_t
	for _, p := range procs {
		pages := pm.judge_peasant(p)
		if pages > memmax {
			memmax = pages
			vic = p
		}
	}
	if vic == nil {
		return 0, false
	}
	fmt.Printf("oom: killing pid %d \"%v\" (%v pages)\n", vic.Pid, vic.Name,
		memmax)
	pm.Send_signal(vic.Pid, defs.SIGKILL, 0)
	return vic.Pid, true
}

// judge_peasant scores p by the user pages it maps and the files it holds.
// acquires the process table and p's fd lock (separately)
func (pm *Pm_t) judge_peasant(p *Proc_t) int {
	// init must never perish
	if p.Pid == pm.Init {
		return 0
	}
	if st, ok := pm.State(p.Pid); !ok || st >= PS_ZOMBIE || p.Vm == nil {
		return 0
	}
	var pages int
	for _, r := range p.Vm.Snapshot() {
		if r.Type == vm.R_GUARD {
			continue
		}
		pages += r.Size / mem.PGSIZE
	}
	p.Fdl.Lock()
	nofd := p.nfds
	p.Fdl.Unlock()

	// count per-child wait objects
	chalds := p.Mywait.Len()

	return pages + nofd + chalds
}
