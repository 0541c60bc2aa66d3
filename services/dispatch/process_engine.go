package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"ml_backend_project/models"

	"github.com/google/uuid"
)

// How long a trainer gets to honor SIGTERM before being killed
const cancelGracePeriod = 5 * time.Second

// ProgressReporter is the slice of the bridge the engine reports through
type ProgressReporter interface {
	ReportProgress(sessionID uint, step, totalSteps int, metrics models.MetricsMap)
	ReportCompleted(sessionID uint, finalMetrics models.MetricsMap)
	ReportFailed(sessionID uint, errorMessage string)
}

// progressLine is the JSON line protocol trainer processes emit on stdout
type progressLine struct {
	Event      string             `json:"event"` // progress (default), completed, failed
	Step       int                `json:"step"`
	TotalSteps int                `json:"total_steps"`
	Metrics    map[string]float64 `json:"metrics"`
	Error      string             `json:"error"`
}

type managedProc struct {
	sessionID uint
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	done      chan struct{}
}

// ProcessEngine runs trainer jobs as local subprocesses, parsing JSON
// progress lines from their stdout and forwarding them to the bridge from the
// reader goroutine.
type ProcessEngine struct {
	reporter ProgressReporter

	mu    sync.Mutex
	procs map[string]*managedProc // handle -> process
}

// NewProcessEngine creates a process-backed execution engine
func NewProcessEngine(reporter ProgressReporter) *ProcessEngine {
	return &ProcessEngine{
		reporter: reporter,
		procs:    make(map[string]*managedProc),
	}
}

// Submit launches the trainer command and starts consuming its progress
// stream. Returns immediately after the process starts. The trainer's
// lifetime is independent of the caller's ctx: the dispatching request ending
// must not kill a running job, so stopping goes through Cancel only.
func (e *ProcessEngine) Submit(ctx context.Context, sessionID uint, config models.JobConfig) (*SubmitResult, error) {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, config.EntryPoint, config.Args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start trainer: %w", err)
	}

	handle := uuid.NewString()
	proc := &managedProc{
		sessionID: sessionID,
		cmd:       cmd,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	e.procs[handle] = proc
	e.mu.Unlock()

	go e.consume(handle, proc, stdout)

	log.Printf("Started trainer for session %d: %s (pid %d)", sessionID, config.EntryPoint, cmd.Process.Pid)
	return &SubmitResult{
		Handle:          handle,
		EngineSessionID: handle,
		PID:             cmd.Process.Pid,
	}, nil
}

// Cancel stops the trainer: SIGTERM first so it can checkpoint, then a hard
// kill after the grace period
func (e *ProcessEngine) Cancel(handle string) error {
	e.mu.Lock()
	proc, ok := e.procs[handle]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task handle %s", handle)
	}

	if proc.cmd.Process != nil {
		if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			proc.cancel()
			return nil
		}
	}

	go func() {
		select {
		case <-proc.done:
		case <-time.After(cancelGracePeriod):
			log.Printf("Trainer for session %d ignored SIGTERM, killing", proc.sessionID)
			proc.cancel()
		}
	}()
	return nil
}

// ActivePIDs returns the trainer PID for each running session
func (e *ProcessEngine) ActivePIDs() map[uint]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	pids := make(map[uint]int, len(e.procs))
	for _, proc := range e.procs {
		if proc.cmd.Process != nil {
			pids[proc.sessionID] = proc.cmd.Process.Pid
		}
	}
	return pids
}

// consume reads progress lines until the process exits. Runs on its own
// goroutine; every store/hub effect goes through the reporter, never directly.
func (e *ProcessEngine) consume(handle string, proc *managedProc, stdout io.Reader) {
	defer func() {
		close(proc.done)
		e.mu.Lock()
		delete(e.procs, handle)
		e.mu.Unlock()
	}()

	terminalSeen := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		raw := scanner.Bytes()
		var line progressLine
		if err := json.Unmarshal(raw, &line); err != nil {
			// Non-JSON trainer chatter; ignore
			continue
		}

		switch line.Event {
		case "completed":
			terminalSeen = true
			e.reporter.ReportCompleted(proc.sessionID, line.Metrics)
		case "failed":
			terminalSeen = true
			e.reporter.ReportFailed(proc.sessionID, line.Error)
		default:
			e.reporter.ReportProgress(proc.sessionID, line.Step, line.TotalSteps, line.Metrics)
		}
	}

	if scanErr := scanner.Err(); scanErr != nil {
		// The reader is dead but the trainer may still be running and
		// writing into a full pipe. Kill it and fail the session now rather
		// than leaving it to the stall reaper.
		log.Printf("Trainer output for session %d unreadable: %v", proc.sessionID, scanErr)
		proc.cancel()
		proc.cmd.Wait()
		if !terminalSeen {
			e.reporter.ReportFailed(proc.sessionID, fmt.Sprintf("trainer output unreadable: %v", scanErr))
		}
		return
	}

	err := proc.cmd.Wait()
	if terminalSeen {
		return
	}
	// Process ended without a terminal line. A signal-driven exit after
	// cancellation resolves as a stale failure report the store discards;
	// a genuine crash becomes the failure it is.
	if err != nil {
		e.reporter.ReportFailed(proc.sessionID, fmt.Sprintf("trainer exited: %v", err))
	} else {
		e.reporter.ReportFailed(proc.sessionID, "trainer exited without reporting completion")
	}
}
