package sessionstore

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"ml_backend_project/models"

	"gorm.io/gorm"
)

// Store errors. ErrAlreadyTerminal is benign for cancellation paths and is
// reported as a no-op success by callers that treat it that way.
var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrAlreadyTerminal   = errors.New("session already in terminal state")
)

// allowedTransitions is the session state machine
var allowedTransitions = map[string][]string{
	models.StatusPending: {models.StatusRunning, models.StatusCancelled},
	models.StatusRunning: {models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
}

func transitionAllowed(from, to string) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionFields carries the optional field updates applied together with a
// status change.
type TransitionFields struct {
	Metrics      models.MetricsMap
	ErrorMessage string
}

// Store owns session lifecycle state. All mutation goes through its methods,
// serialized by a single mutex so the state machine is never observed
// mid-update.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// New creates a session store backed by the given database
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create registers a new pending session. Always succeeds for valid input.
func (s *Store) Create(ownerID uint, kind string, config models.JobConfig) (*models.Session, error) {
	if kind != models.KindTraining && kind != models.KindBacktest {
		return nil, fmt.Errorf("unknown session kind %q", kind)
	}
	session := &models.Session{
		OwnerID:       ownerID,
		Kind:          kind,
		Status:        models.StatusPending,
		Progress:      0,
		TotalSteps:    config.TotalSteps,
		Config:        config,
		LatestMetrics: models.MetricsMap{},
		BestMetrics:   models.MetricsMap{},
	}
	if err := s.db.Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Get returns the session or ErrNotFound
func (s *Store) Get(id uint) (*models.Session, error) {
	var session models.Session
	if err := s.db.First(&session, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// List returns all sessions owned by a user, newest first
func (s *Store) List(ownerID uint) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&sessions).Error
	return sessions, err
}

// SetTaskHandle stores the execution engine's cancellation handle and
// correlation id on the session
func (s *Store) SetTaskHandle(id uint, handle, engineSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.Get(id)
	if err != nil {
		return err
	}
	session.TaskHandle = handle
	session.EngineSessionID = engineSessionID
	return s.db.Save(session).Error
}

// Transition atomically moves a session to the target status, applying any
// supplied fields. Illegal transitions return ErrInvalidTransition; a session
// already in a terminal state returns ErrAlreadyTerminal.
func (s *Store) Transition(id uint, target string, fields TransitionFields) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if models.IsTerminalStatus(session.Status) {
		return nil, ErrAlreadyTerminal
	}
	if !transitionAllowed(session.Status, target) {
		log.Printf("Rejected transition for session %d: %s -> %s", id, session.Status, target)
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, target)
	}

	now := time.Now()
	session.Status = target

	switch target {
	case models.StatusRunning:
		if session.StartedAt == nil {
			session.StartedAt = &now
		}
	case models.StatusCompleted:
		// Completion always implies 100%, regardless of the last
		// intermediate report.
		session.Progress = 100
		session.CurrentStep = session.TotalSteps
		session.CompletedAt = &now
	case models.StatusFailed:
		session.ErrorMessage = fields.ErrorMessage
		session.CompletedAt = &now
	case models.StatusCancelled:
		session.CompletedAt = &now
	}

	if len(fields.Metrics) > 0 {
		s.mergeMetrics(session, fields.Metrics)
	}

	if err := s.db.Save(session).Error; err != nil {
		return nil, fmt.Errorf("failed to save session %d: %w", id, err)
	}
	if len(fields.Metrics) > 0 {
		s.appendMetricPoints(session.ID, session.CurrentStep, fields.Metrics)
	}

	if target == models.StatusCompleted && session.Kind == models.KindBacktest {
		result := models.BacktestResultFromMetrics(session.ID, session.LatestMetrics)
		if err := s.db.Create(result).Error; err != nil {
			log.Printf("Failed to persist backtest result for session %d: %v", session.ID, err)
		}
	}

	return session, nil
}

// UpdateProgress applies a non-terminal progress report. A report for a
// session already in a terminal state is silently ignored (applied=false, no
// error) so straggling worker callbacks after cancellation or completion are
// harmless. The first report moves a pending session to running.
func (s *Store) UpdateProgress(id uint, progress float64, step, totalSteps int, metrics models.MetricsMap) (*models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.Get(id)
	if err != nil {
		return nil, false, err
	}

	if models.IsTerminalStatus(session.Status) {
		return session, false, nil
	}

	now := time.Now()
	if session.Status == models.StatusPending {
		session.Status = models.StatusRunning
		session.StartedAt = &now
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	// Progress never decreases while running
	if progress > session.Progress {
		session.Progress = progress
	}
	if step > session.CurrentStep {
		session.CurrentStep = step
	}
	if totalSteps > 0 {
		session.TotalSteps = totalSteps
	}
	if len(metrics) > 0 {
		s.mergeMetrics(session, metrics)
	}

	if err := s.db.Save(session).Error; err != nil {
		return nil, false, fmt.Errorf("failed to save session %d: %w", id, err)
	}
	if len(metrics) > 0 {
		s.appendMetricPoints(session.ID, step, metrics)
	}

	return session, true, nil
}

// AppendResourceSample records one utilization sample. Samples for sessions
// that are not running are ignored (applied=false).
func (s *Store) AppendResourceSample(id uint, cpuPercent, memoryMB, gpuPercent float64) (bool, error) {
	session, err := s.Get(id)
	if err != nil {
		return false, err
	}
	if session.Status != models.StatusRunning {
		return false, nil
	}

	sample := &models.ResourceSample{
		SessionID:  id,
		CPUPercent: cpuPercent,
		MemoryMB:   memoryMB,
		GPUPercent: gpuPercent,
		Timestamp:  time.Now(),
	}
	if err := s.db.Create(sample).Error; err != nil {
		return false, fmt.Errorf("failed to append resource sample: %w", err)
	}
	return true, nil
}

// MetricHistory returns the recorded metric points for a session
func (s *Store) MetricHistory(id uint) ([]models.MetricPoint, error) {
	var points []models.MetricPoint
	err := s.db.Where("session_id = ?", id).Order("id ASC").Find(&points).Error
	return points, err
}

// ResourceHistory returns the recorded resource samples for a session
func (s *Store) ResourceHistory(id uint) ([]models.ResourceSample, error) {
	var samples []models.ResourceSample
	err := s.db.Where("session_id = ?", id).Order("id ASC").Find(&samples).Error
	return samples, err
}

// RunningSessions returns sessions currently in the running state
func (s *Store) RunningSessions() ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.Where("status = ?", models.StatusRunning).Find(&sessions).Error
	return sessions, err
}

// CountByStatus returns session counts keyed by status
func (s *Store) CountByStatus() (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.Model(&models.Session{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// mergeMetrics folds new values into latest and best metric maps. Best keeps
// the minimum for loss-like metrics and the maximum for everything else.
func (s *Store) mergeMetrics(session *models.Session, metrics models.MetricsMap) {
	if session.LatestMetrics == nil {
		session.LatestMetrics = models.MetricsMap{}
	}
	if session.BestMetrics == nil {
		session.BestMetrics = models.MetricsMap{}
	}
	for name, value := range metrics {
		session.LatestMetrics[name] = value
		best, seen := session.BestMetrics[name]
		if !seen {
			session.BestMetrics[name] = value
			continue
		}
		if lowerIsBetter(name) {
			if value < best {
				session.BestMetrics[name] = value
			}
		} else if value > best {
			session.BestMetrics[name] = value
		}
	}
}

func lowerIsBetter(name string) bool {
	return strings.Contains(name, "loss") || strings.Contains(name, "error") || strings.Contains(name, "drawdown")
}

func (s *Store) appendMetricPoints(sessionID uint, step int, metrics models.MetricsMap) {
	now := time.Now()
	points := make([]models.MetricPoint, 0, len(metrics))
	for name, value := range metrics {
		points = append(points, models.MetricPoint{
			SessionID: sessionID,
			Name:      name,
			Value:     value,
			Step:      step,
			Timestamp: now,
		})
	}
	if err := s.db.Create(&points).Error; err != nil {
		log.Printf("Failed to append metric points for session %d: %v", sessionID, err)
	}
}
