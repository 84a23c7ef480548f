package metrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// cpuSampler reports process CPU usage between successive samples.
type cpuSampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastUser time.Duration
	lastSys  time.Duration
	lastPct  float64
}

func newCPUSampler() *cpuSampler {
	utime, stime := rusageTimes()
	return &cpuSampler{lastWall: time.Now(), lastUser: utime, lastSys: stime}
}

// Percent returns CPU usage as a percentage of one core since the previous
// call. Multi-core usage exceeds 100.
func (s *cpuSampler) Percent() float64 {
	now := time.Now()
	utime, stime := rusageTimes()

	s.mu.Lock()
	defer s.mu.Unlock()

	wall := now.Sub(s.lastWall)
	if wall <= 0 {
		return s.lastPct
	}
	busy := (utime - s.lastUser) + (stime - s.lastSys)
	s.lastPct = float64(busy) / float64(wall) * 100.0
	s.lastWall = now
	s.lastUser = utime
	s.lastSys = stime
	return s.lastPct
}

// memoryInuse is live heap spans plus goroutine stacks, in bytes.
func memoryInuse() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapInuse + m.StackInuse)
}

func rusageTimes() (user, sys time.Duration) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, 0
	}
	return time.Duration(ru.Utime.Nano()), time.Duration(ru.Stime.Nano())
}
