package scheduler

import (
	"context"
	"log"
	"time"

	"ml_backend_project/models"
)

const (
	// A running session with no store update for this long is presumed dead
	stalledAfter = 30 * time.Minute

	// Telemetry rows older than this are pruned from the primary database
	// once their session has been archived
	telemetryRetention = 30 * 24 * time.Hour
)

// reapStalledSessions fails running sessions whose trainer stopped reporting.
// The failure goes through the bridge so subscribers see an ordinary terminal
// event.
func (s *Scheduler) reapStalledSessions() {
	sessions, err := s.store.RunningSessions()
	if err != nil {
		log.Printf("Error loading running sessions: %v", err)
		return
	}

	cutoff := time.Now().Add(-stalledAfter)
	for _, session := range sessions {
		if session.UpdatedAt.After(cutoff) {
			continue
		}
		log.Printf("Session %d stalled (no progress since %s), marking failed",
			session.ID, session.UpdatedAt.Format(time.RFC3339))
		s.bridge.ReportFailed(session.ID, "trainer stopped reporting progress")
	}
}

// archiveFinishedSessions copies terminal sessions and their full history to
// the local archive and, when configured, the MongoDB summary sink
func (s *Scheduler) archiveFinishedSessions() {
	if s.archive == nil {
		return
	}

	var sessions []models.Session
	err := s.db.Where("status IN ?", []string{
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
	}).Find(&sessions).Error
	if err != nil {
		log.Printf("Error loading finished sessions: %v", err)
		return
	}

	archived := 0
	for i := range sessions {
		session := &sessions[i]

		done, err := s.archive.IsArchived(session.ID)
		if err != nil {
			log.Printf("Archive check for session %d failed: %v", session.ID, err)
			continue
		}
		if done {
			continue
		}

		points, err := s.store.MetricHistory(session.ID)
		if err != nil {
			log.Printf("Error loading metric history for session %d: %v", session.ID, err)
			continue
		}
		samples, err := s.store.ResourceHistory(session.ID)
		if err != nil {
			log.Printf("Error loading resource history for session %d: %v", session.ID, err)
			continue
		}

		if err := s.archive.ArchiveSession(session, points, samples); err != nil {
			log.Printf("Error archiving session %d: %v", session.ID, err)
			continue
		}
		archived++

		if s.mongoSink != nil && s.mongoSink.Enabled() {
			if err := s.mongoSink.ExportSummary(context.Background(), session); err != nil {
				log.Printf("Mongo export for session %d failed: %v", session.ID, err)
			}
		}
	}

	if archived > 0 {
		log.Printf("Archived %d finished sessions", archived)
	}
}

// pruneOldTelemetry deletes metric points and resource samples past retention
// for sessions that have already been archived
func (s *Scheduler) pruneOldTelemetry() {
	cutoff := time.Now().Add(-telemetryRetention)

	var old []models.Session
	err := s.db.Where("status IN ? AND completed_at < ?", []string{
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
	}, cutoff).Find(&old).Error
	if err != nil {
		log.Printf("Error loading sessions for pruning: %v", err)
		return
	}

	for _, session := range old {
		if s.archive != nil {
			done, err := s.archive.IsArchived(session.ID)
			if err != nil || !done {
				continue
			}
		}
		if err := s.db.Where("session_id = ?", session.ID).Delete(&models.MetricPoint{}).Error; err != nil {
			log.Printf("Error pruning metric points for session %d: %v", session.ID, err)
		}
		if err := s.db.Where("session_id = ?", session.ID).Delete(&models.ResourceSample{}).Error; err != nil {
			log.Printf("Error pruning resource samples for session %d: %v", session.ID, err)
		}
	}
}
