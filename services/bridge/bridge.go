package bridge

import (
	"errors"
	"log"
	"time"

	"ml_backend_project/models"
	"ml_backend_project/services/hub"
	"ml_backend_project/services/sessionstore"
)

// Default queue and retry configuration
const (
	DefaultQueueSize       = 512
	DefaultTerminalRetries = 5
	DefaultRetryBackoff    = 100 * time.Millisecond
)

type reportKind int

const (
	progressReport reportKind = iota
	completedReport
	failedReport
	cancelledAnnounce
	resourceReport
)

type report struct {
	kind       reportKind
	sessionID  uint
	step       int
	totalSteps int
	metrics    models.MetricsMap
	errorMsg   string
	cpu        float64
	memoryMB   float64
	gpu        float64
}

// Broadcaster is the slice of the connection hub the bridge needs
type Broadcaster interface {
	BroadcastToSession(sessionID uint, event hub.Event)
}

// Config tunes the bridge queue and terminal retry policy
type Config struct {
	QueueSize       int
	TerminalRetries int
	RetryBackoff    time.Duration
}

// Bridge moves progress reports from the execution context into the
// orchestration context. Reports may be produced from any goroutine; a single
// consumer applies them to the session store and fans them out through the
// hub, which gives every session an ordered event stream.
type Bridge struct {
	store    *sessionstore.Store
	hub      Broadcaster
	reports  chan report
	shutdown chan struct{}

	terminalRetries int
	retryBackoff    time.Duration
}

// New creates a bridge with default queue and retry settings
func New(store *sessionstore.Store, broadcaster Broadcaster) *Bridge {
	return NewWithConfig(store, broadcaster, Config{})
}

// NewWithConfig creates a bridge with explicit settings; zero values fall
// back to the defaults
func NewWithConfig(store *sessionstore.Store, broadcaster Broadcaster, cfg Config) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.TerminalRetries <= 0 {
		cfg.TerminalRetries = DefaultTerminalRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Bridge{
		store:           store,
		hub:             broadcaster,
		reports:         make(chan report, cfg.QueueSize),
		shutdown:        make(chan struct{}),
		terminalRetries: cfg.TerminalRetries,
		retryBackoff:    cfg.RetryBackoff,
	}
}

// Run consumes reports until Shutdown. Call once in a goroutine at startup.
func (b *Bridge) Run() {
	for {
		select {
		case <-b.shutdown:
			return
		case r := <-b.reports:
			b.process(r)
		}
	}
}

// Shutdown stops the consumer loop
func (b *Bridge) Shutdown() {
	close(b.shutdown)
}

// ReportProgress accepts a non-terminal progress report from the execution
// context. Safe from any goroutine. If the queue is full the report is
// dropped: the next report supersedes it.
func (b *Bridge) ReportProgress(sessionID uint, step, totalSteps int, metrics models.MetricsMap) {
	b.enqueue(report{
		kind:       progressReport,
		sessionID:  sessionID,
		step:       step,
		totalSteps: totalSteps,
		metrics:    metrics,
	})
}

// ReportCompleted accepts the terminal success report. Retries enqueueing
// with backoff before giving up, since a lost terminal report would leave the
// session stuck.
func (b *Bridge) ReportCompleted(sessionID uint, finalMetrics models.MetricsMap) {
	b.enqueueTerminal(report{
		kind:      completedReport,
		sessionID: sessionID,
		metrics:   finalMetrics,
	})
}

// ReportFailed accepts the terminal failure report
func (b *Bridge) ReportFailed(sessionID uint, errorMessage string) {
	b.enqueueTerminal(report{
		kind:      failedReport,
		sessionID: sessionID,
		errorMsg:  errorMessage,
	})
}

// AnnounceCancelled broadcasts the cancelled event for a session whose store
// transition already happened on the cancellation path. Routing the
// announcement through the queue keeps the session's event order single-pathed.
func (b *Bridge) AnnounceCancelled(sessionID uint) {
	b.enqueueTerminal(report{
		kind:      cancelledAnnounce,
		sessionID: sessionID,
	})
}

// ReportResourceUsage accepts a utilization sample. Never affects status or
// progress; dropped silently under pressure like any non-terminal report.
func (b *Bridge) ReportResourceUsage(sessionID uint, cpuPercent, memoryMB, gpuPercent float64) {
	b.enqueue(report{
		kind:      resourceReport,
		sessionID: sessionID,
		cpu:       cpuPercent,
		memoryMB:  memoryMB,
		gpu:       gpuPercent,
	})
}

func (b *Bridge) enqueue(r report) {
	select {
	case b.reports <- r:
	default:
		log.Printf("Bridge queue full, dropping report for session %d", r.sessionID)
	}
}

func (b *Bridge) enqueueTerminal(r report) {
	backoff := b.retryBackoff
	for attempt := 1; attempt <= b.terminalRetries; attempt++ {
		select {
		case b.reports <- r:
			return
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	log.Printf("ALERT: dropped terminal report for session %d after %d attempts; session may be stuck",
		r.sessionID, b.terminalRetries)
}

// process applies one report inside the consumer goroutine. A store no-op
// (stale report after a terminal transition) produces no broadcast; only the
// single terminal broadcast is authoritative.
func (b *Bridge) process(r report) {
	switch r.kind {
	case progressReport:
		progress := 0.0
		if r.totalSteps > 0 {
			progress = float64(r.step) / float64(r.totalSteps) * 100
		}
		session, applied, err := b.store.UpdateProgress(r.sessionID, progress, r.step, r.totalSteps, r.metrics)
		if err != nil {
			log.Printf("Bridge: progress update for session %d failed: %v", r.sessionID, err)
			return
		}
		if applied {
			b.hub.BroadcastToSession(r.sessionID, hub.NewProgressEvent(session))
		}

	case completedReport:
		session, err := b.store.Transition(r.sessionID, models.StatusCompleted, sessionstore.TransitionFields{
			Metrics: r.metrics,
		})
		if err != nil {
			b.logTerminalError(r.sessionID, models.StatusCompleted, err)
			return
		}
		b.hub.BroadcastToSession(r.sessionID, hub.NewCompletedEvent(session))

	case failedReport:
		session, err := b.store.Transition(r.sessionID, models.StatusFailed, sessionstore.TransitionFields{
			ErrorMessage: r.errorMsg,
		})
		if err != nil {
			b.logTerminalError(r.sessionID, models.StatusFailed, err)
			return
		}
		b.hub.BroadcastToSession(r.sessionID, hub.NewFailedEvent(session))

	case cancelledAnnounce:
		b.hub.BroadcastToSession(r.sessionID, hub.NewCancelledEvent(r.sessionID))

	case resourceReport:
		applied, err := b.store.AppendResourceSample(r.sessionID, r.cpu, r.memoryMB, r.gpu)
		if err != nil {
			log.Printf("Bridge: resource sample for session %d failed: %v", r.sessionID, err)
			return
		}
		if applied {
			b.hub.BroadcastToSession(r.sessionID, hub.NewResourceUsageEvent(r.sessionID, r.cpu, r.memoryMB, r.gpu))
		}
	}
}

func (b *Bridge) logTerminalError(sessionID uint, target string, err error) {
	if errors.Is(err, sessionstore.ErrAlreadyTerminal) {
		// Stale terminal report after cancellation; nothing to do
		return
	}
	log.Printf("Bridge: terminal transition to %s for session %d failed: %v", target, sessionID, err)
}
