package hypervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// UsageSampler derives VM metrics from the hypervisor process in /proc.
// CPU percent is the CPU time consumed since the previous sample for the
// same pid divided by the elapsed wall time; the first sample of a pid
// reports the average since process start.
type UsageSampler struct {
	fs  procfs.FS
	now func() time.Time

	mu   sync.Mutex
	last map[int]cpuSample
}

type cpuSample struct {
	cpuSeconds float64
	at         time.Time
}

// NewUsageSampler opens /proc.
func NewUsageSampler() (*UsageSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &UsageSampler{
		fs:   fs,
		now:  time.Now,
		last: make(map[int]cpuSample),
	}, nil
}

// Sample reads CPU, RSS and block IO for pid. startedAt anchors uptime.
func (s *UsageSampler) Sample(pid int, startedAt time.Time) (Metrics, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return Metrics{}, fmt.Errorf("open /proc/%d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return Metrics{}, fmt.Errorf("read /proc/%d/stat: %w", pid, err)
	}

	now := s.now()
	cpuSeconds := stat.CPUTime()

	s.mu.Lock()
	prev, ok := s.last[pid]
	s.last[pid] = cpuSample{cpuSeconds: cpuSeconds, at: now}
	s.mu.Unlock()
	if !ok {
		prev = cpuSample{at: startedAt}
	}

	m := Metrics{
		CPUPercent:  cpuPercent(prev, cpuSample{cpuSeconds: cpuSeconds, at: now}),
		MemoryBytes: uint64(stat.ResidentMemory()),
		Uptime:      now.Sub(startedAt),
	}

	// Block IO needs the same uid or CAP_SYS_PTRACE; missing IO is not an error.
	if io, err := proc.IO(); err == nil {
		m.DiskReadBytes = io.ReadBytes
		m.DiskWriteBytes = io.WriteBytes
	}
	return m, nil
}

// Forget drops the CPU baseline for pid once its process is gone.
func (s *UsageSampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.last, pid)
	s.mu.Unlock()
}

func cpuPercent(prev, cur cpuSample) float64 {
	elapsed := cur.at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := cur.cpuSeconds - prev.cpuSeconds
	if delta < 0 {
		return 0
	}
	return delta / elapsed * 100
}
