package gla

import "runtime"

// kernelTask covers the work-unit range [lo, hi) of one pooled pass.
type kernelTask struct {
	lo, hi int
	run    func(lo, hi int)
	done   chan struct{}
}

// kernelPool fans pooled passes out over a fixed set of workers. Units are
// partitioned into contiguous ranges at dispatch; run returns only after
// every range finished, so consecutive passes are separated by a barrier.
type kernelPool struct {
	size      int
	tasks     chan kernelTask
	doneSlots chan chan struct{}
}

func workersFor(units, override int) int {
	if override > 0 {
		return override
	}
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if units > 0 && workers > units {
		workers = units
	}
	if workers < 1 {
		return 1
	}
	return workers
}

func newKernelPool(workers int) *kernelPool {
	if workers < 1 {
		workers = 1
	}
	p := &kernelPool{
		size:      workers,
		tasks:     make(chan kernelTask, workers*2),
		doneSlots: make(chan chan struct{}, workers),
	}
	for i := 0; i < workers; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for i := 0; i < workers; i++ {
		go func() {
			for task := range p.tasks {
				task.run(task.lo, task.hi)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

func (p *kernelPool) close() { close(p.tasks) }

// run executes fn across n units and waits for completion.
func (p *kernelPool) run(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if p.size <= 1 || n == 1 {
		fn(0, n)
		return
	}
	span := (n + p.size - 1) / p.size
	done := <-p.doneSlots
	active := 0
	for i := 0; i < p.size; i++ {
		lo := i * span
		hi := lo + span
		if hi > n {
			hi = n
		}
		if lo >= hi {
			break
		}
		active++
		p.tasks <- kernelTask{lo: lo, hi: hi, run: fn, done: done}
	}
	for i := 0; i < active; i++ {
		<-done
	}
	p.doneSlots <- done
}
