package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ml_backend_project/models"
	"ml_backend_project/services/sessionstore"
)

// ErrDispatch is returned when the execution engine rejects a submission or
// the session is not in a dispatchable state. The session stays pending so
// the caller may retry.
var ErrDispatch = errors.New("dispatch failed")

// SubmitResult is what the execution engine hands back for a submitted job
type SubmitResult struct {
	Handle          string // opaque cancellation handle
	EngineSessionID string // engine's own correlation id, if any
	PID             int    // trainer process id, 0 if not process-backed
}

// Engine is the job-execution collaborator. Submit hands the job off and
// returns immediately; progress arrives later through the bridge from the
// engine's own execution context.
type Engine interface {
	Submit(ctx context.Context, sessionID uint, config models.JobConfig) (*SubmitResult, error)
	Cancel(handle string) error
}

// Announcer is the slice of the bridge the dispatcher needs on cancellation
type Announcer interface {
	AnnounceCancelled(sessionID uint)
}

// Dispatcher submits sessions to the execution engine and owns cancellation
type Dispatcher struct {
	store    *sessionstore.Store
	engine   Engine
	announce Announcer

	// OnStarted, when set, is invoked after a successful submission with the
	// trainer PID so resource sampling can attach to the process.
	OnStarted func(sessionID uint, pid int)
}

// New creates a dispatcher
func New(store *sessionstore.Store, engine Engine, announce Announcer) *Dispatcher {
	return &Dispatcher{store: store, engine: engine, announce: announce}
}

// Submit hands a pending session's configuration to the execution engine and
// persists the returned task handle. The session must be pending.
func (d *Dispatcher) Submit(ctx context.Context, sessionID uint) (*models.Session, error) {
	session, err := d.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: session %d is %s, not pending", ErrDispatch, sessionID, session.Status)
	}

	result, err := d.engine.Submit(ctx, sessionID, session.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	if err := d.store.SetTaskHandle(sessionID, result.Handle, result.EngineSessionID); err != nil {
		// The job is already running; cancellation will still work through
		// the engine's handle table, but log loudly.
		log.Printf("Failed to persist task handle for session %d: %v", sessionID, err)
	}

	if d.OnStarted != nil && result.PID > 0 {
		d.OnStarted(sessionID, result.PID)
	}

	log.Printf("Dispatched session %d (handle %s)", sessionID, result.Handle)
	session, err = d.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Cancel requests cancellation. A session already in a terminal state is a
// benign no-op reported as success. Otherwise the engine is asked to stop the
// job, the session transitions to cancelled immediately (so any straggling
// progress report is discarded), and the cancelled event is announced through
// the bridge to preserve per-session event order.
func (d *Dispatcher) Cancel(sessionID uint) error {
	session, err := d.store.Get(sessionID)
	if err != nil {
		return err
	}
	if models.IsTerminalStatus(session.Status) {
		return nil
	}

	if session.TaskHandle != "" {
		if err := d.engine.Cancel(session.TaskHandle); err != nil {
			// Best-effort: the process may already be gone
			log.Printf("Engine cancel for session %d failed: %v", sessionID, err)
		}
	}

	_, err = d.store.Transition(sessionID, models.StatusCancelled, sessionstore.TransitionFields{})
	if err != nil {
		if errors.Is(err, sessionstore.ErrAlreadyTerminal) {
			// Raced with a terminal report; nothing left to do
			return nil
		}
		return err
	}

	d.announce.AnnounceCancelled(sessionID)
	log.Printf("Cancelled session %d", sessionID)
	return nil
}
