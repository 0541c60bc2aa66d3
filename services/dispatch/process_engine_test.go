package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"ml_backend_project/models"
)

type recordingReporter struct {
	mu        sync.Mutex
	progress  []int
	completed []models.MetricsMap
	failures  []string
	terminal  chan struct{}
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{terminal: make(chan struct{}, 4)}
}

func (r *recordingReporter) ReportProgress(sessionID uint, step, totalSteps int, metrics models.MetricsMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, step)
}

func (r *recordingReporter) ReportCompleted(sessionID uint, finalMetrics models.MetricsMap) {
	r.mu.Lock()
	r.completed = append(r.completed, finalMetrics)
	r.mu.Unlock()
	r.terminal <- struct{}{}
}

func (r *recordingReporter) ReportFailed(sessionID uint, errorMessage string) {
	r.mu.Lock()
	r.failures = append(r.failures, errorMessage)
	r.mu.Unlock()
	r.terminal <- struct{}{}
}

func (r *recordingReporter) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal report from trainer process")
	}
}

func shellJob(script string) models.JobConfig {
	return models.JobConfig{
		EntryPoint: "/bin/sh",
		Args:       []string{"-c", script},
		TotalSteps: 3,
	}
}

func TestProcessEngineHappyPath(t *testing.T) {
	reporter := newRecordingReporter()
	engine := NewProcessEngine(reporter)

	script := `
printf '%s\n' '{"event":"progress","step":1,"total_steps":3,"metrics":{"loss":0.9}}'
printf '%s\n' 'not json, trainer chatter'
printf '%s\n' '{"event":"progress","step":2,"total_steps":3,"metrics":{"loss":0.5}}'
printf '%s\n' '{"event":"completed","metrics":{"loss":0.3,"accuracy":0.9}}'
`
	result, err := engine.Submit(context.Background(), 1, shellJob(script))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Handle == "" || result.PID <= 0 {
		t.Fatalf("unexpected submit result: %+v", result)
	}

	reporter.waitTerminal(t)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.progress) != 2 || reporter.progress[0] != 1 || reporter.progress[1] != 2 {
		t.Errorf("unexpected progress steps: %v", reporter.progress)
	}
	if len(reporter.completed) != 1 || reporter.completed[0]["accuracy"] != 0.9 {
		t.Errorf("unexpected completion reports: %v", reporter.completed)
	}
	if len(reporter.failures) != 0 {
		t.Errorf("unexpected failure reports: %v", reporter.failures)
	}
}

func TestProcessEngineCrashBecomesFailure(t *testing.T) {
	reporter := newRecordingReporter()
	engine := NewProcessEngine(reporter)

	script := `
printf '%s\n' '{"event":"progress","step":1,"total_steps":3}'
exit 3
`
	if _, err := engine.Submit(context.Background(), 2, shellJob(script)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	reporter.waitTerminal(t)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.failures) != 1 {
		t.Fatalf("expected one failure report, got %v", reporter.failures)
	}
	if !strings.Contains(reporter.failures[0], "trainer exited") {
		t.Errorf("unexpected failure message: %q", reporter.failures[0])
	}
}

func TestProcessEngineFailureLine(t *testing.T) {
	reporter := newRecordingReporter()
	engine := NewProcessEngine(reporter)

	script := `printf '%s\n' '{"event":"failed","error":"CUDA out of memory"}'`
	if _, err := engine.Submit(context.Background(), 3, shellJob(script)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	reporter.waitTerminal(t)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.failures) != 1 || reporter.failures[0] != "CUDA out of memory" {
		t.Errorf("unexpected failure reports: %v", reporter.failures)
	}
}

func TestProcessEngineOversizedLineFailsFast(t *testing.T) {
	reporter := newRecordingReporter()
	engine := NewProcessEngine(reporter)

	// One valid report, then a single line past the scanner's 1MB cap, then
	// the trainer keeps running. The engine must kill it and fail the session
	// instead of silently stopping the reader.
	script := `
printf '%s\n' '{"event":"progress","step":1,"total_steps":3}'
head -c 2097152 /dev/zero | tr '\0' 'x'
printf '\n'
sleep 60
`
	if _, err := engine.Submit(context.Background(), 5, shellJob(script)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	reporter.waitTerminal(t)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.progress) != 1 || reporter.progress[0] != 1 {
		t.Errorf("unexpected progress steps: %v", reporter.progress)
	}
	if len(reporter.failures) != 1 {
		t.Fatalf("expected one failure report, got %v", reporter.failures)
	}
	if !strings.Contains(reporter.failures[0], "unreadable") {
		t.Errorf("unexpected failure message: %q", reporter.failures[0])
	}
}

func TestProcessEngineCancel(t *testing.T) {
	reporter := newRecordingReporter()
	engine := NewProcessEngine(reporter)

	result, err := engine.Submit(context.Background(), 4, shellJob("sleep 60"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if pids := engine.ActivePIDs(); pids[4] != result.PID {
		t.Fatalf("expected session 4 in active pids, got %v", pids)
	}

	if err := engine.Cancel(result.Handle); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// The signal exit surfaces as a failure report that the store discards as
	// stale on a real cancellation path; here it doubles as the exit signal.
	reporter.waitTerminal(t)

	// The process table entry is removed just after the final report; poll
	// briefly instead of assuming the cleanup already ran.
	deadline := time.Now().Add(2 * time.Second)
	for len(engine.ActivePIDs()) != 0 {
		if time.Now().After(deadline) {
			t.Errorf("expected process table cleared, got %v", engine.ActivePIDs())
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Run("unknown handle", func(t *testing.T) {
		if err := engine.Cancel("no-such-handle"); err == nil {
			t.Error("expected error for unknown handle")
		}
	})
}
