// Package processtest provides a scripted process inspector for tests.
package processtest

import (
	"context"
	"sync"
	"time"

	"github.com/tradelab/paramopt/internal/process"
)

type Proc struct {
	Worker bool
	CPU    float64
}

type Inspector struct {
	mu     sync.Mutex
	procs  map[int]Proc
	killed []int
}

var _ process.Inspector = (*Inspector)(nil)

func New() *Inspector {
	return &Inspector{procs: map[int]Proc{}}
}

func (i *Inspector) Add(pid int, p Proc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.procs[pid] = p
}

func (i *Inspector) Remove(pid int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.procs, pid)
}

func (i *Inspector) Killed() []int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]int(nil), i.killed...)
}

func (i *Inspector) Alive(_ context.Context, pid int) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.procs[pid]
	return ok, nil
}

func (i *Inspector) IsWorker(_ context.Context, pid int) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.procs[pid]
	if !ok {
		return false, process.ErrNoSuchProcess
	}
	return p.Worker, nil
}

func (i *Inspector) CPUPercent(_ context.Context, pid int, _ time.Duration) (float64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.procs[pid]
	if !ok {
		return 0, process.ErrNoSuchProcess
	}
	return p.CPU, nil
}

func (i *Inspector) Kill(_ context.Context, pid int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.procs[pid]; !ok {
		return process.ErrNoSuchProcess
	}
	delete(i.procs, pid)
	i.killed = append(i.killed, pid)
	return nil
}
