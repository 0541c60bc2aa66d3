package sampler

import (
	"log"
	"sync"
	"time"

	"ml_backend_project/models"
	"ml_backend_project/services/sessionstore"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultInterval between utilization samples
const DefaultInterval = 10 * time.Second

// UsageReporter is the slice of the bridge the sampler pushes through
type UsageReporter interface {
	ReportResourceUsage(sessionID uint, cpuPercent, memoryMB, gpuPercent float64)
}

// probeFunc samples the trainer process; swappable for tests
type probeFunc func(pid int) (cpuPercent, memoryMB float64, err error)

// Sampler periodically samples CPU and memory utilization of running
// trainers and feeds the samples through the bridge like any other report.
// Each watched session gets its own timer goroutine so one slow probe never
// delays another session's samples.
type Sampler struct {
	store    *sessionstore.Store
	reporter UsageReporter
	interval time.Duration
	probe    probeFunc

	mu      sync.Mutex
	watched map[uint]chan struct{} // session id -> stop signal
}

// New creates a sampler with the default interval
func New(store *sessionstore.Store, reporter UsageReporter) *Sampler {
	return NewWithInterval(store, reporter, DefaultInterval)
}

// NewWithInterval creates a sampler with an explicit sampling interval
func NewWithInterval(store *sessionstore.Store, reporter UsageReporter, interval time.Duration) *Sampler {
	return &Sampler{
		store:    store,
		reporter: reporter,
		interval: interval,
		probe:    probeProcess,
		watched:  make(map[uint]chan struct{}),
	}
}

// Watch starts sampling the trainer process for a session. Sampling stops on
// Stop, on sampler shutdown, or when the session leaves the running state.
func (s *Sampler) Watch(sessionID uint, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[sessionID]; ok {
		return
	}
	stop := make(chan struct{})
	s.watched[sessionID] = stop
	go s.loop(sessionID, pid, stop)
}

// Stop ends sampling for one session. Idempotent.
func (s *Sampler) Stop(sessionID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.watched[sessionID]; ok {
		close(stop)
		delete(s.watched, sessionID)
	}
}

// Shutdown stops every active watcher
func (s *Sampler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID, stop := range s.watched {
		close(stop)
		delete(s.watched, sessionID)
	}
}

// WatchedCount returns the number of sessions currently being sampled
func (s *Sampler) WatchedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watched)
}

func (s *Sampler) loop(sessionID uint, pid int, stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			session, err := s.store.Get(sessionID)
			if err != nil || models.IsTerminalStatus(session.Status) {
				s.Stop(sessionID)
				return
			}

			cpu, memMB, err := s.probe(pid)
			if err != nil {
				// Trainer likely exited between ticks; the terminal report
				// will stop us on the next iteration
				log.Printf("Resource probe for session %d (pid %d) failed: %v", sessionID, pid, err)
				continue
			}
			// GPU utilization needs a device-specific collector; reported as
			// zero until one is attached.
			s.reporter.ReportResourceUsage(sessionID, cpu, memMB, 0)
		}
	}
}

// probeProcess reads CPU and RSS for a PID via gopsutil
func probeProcess(pid int) (float64, float64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, err
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return cpu, float64(mem.RSS) / (1024 * 1024), nil
}
