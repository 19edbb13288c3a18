// Package metrics samples resource usage of running instances.
package metrics

import (
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

type Sample struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// Sampler reads the resource usage of one OS process.
type Sampler interface {
	Sample(pid int) (Sample, error)
}

// ProcessSampler samples processes with gopsutil. Handles are cached per pid
// so CPU usage is measured between consecutive samples rather than over the
// whole process lifetime.
type ProcessSampler struct {
	mu    sync.Mutex
	procs map[int32]*process.Process
}

func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{procs: make(map[int32]*process.Process)}
}

func (s *ProcessSampler) Sample(pid int) (Sample, error) {
	p, err := s.handle(int32(pid))
	if err != nil {
		return Sample{}, err
	}

	cpu, err := p.Percent(0)
	if err != nil {
		s.Forget(pid)
		return Sample{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		s.Forget(pid)
		return Sample{}, err
	}
	return Sample{CPUPercent: cpu, MemoryBytes: mem.RSS}, nil
}

func (s *ProcessSampler) handle(pid int32) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	s.procs[pid] = p
	return p, nil
}

// Forget drops the cached handle for pid.
func (s *ProcessSampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.procs, int32(pid))
	s.mu.Unlock()
}

// Retain drops cached handles for every pid not in pids.
func (s *ProcessSampler) Retain(pids []int) {
	keep := make(map[int32]struct{}, len(pids))
	for _, pid := range pids {
		keep[int32(pid)] = struct{}{}
	}
	s.mu.Lock()
	for pid := range s.procs {
		if _, ok := keep[pid]; !ok {
			delete(s.procs, pid)
		}
	}
	s.mu.Unlock()
}
