package scheduler

import (
	"log"
	"time"

	"ml_backend_project/services/bridge"
	"ml_backend_project/services/export"
	"ml_backend_project/services/sessionstore"

	"github.com/go-co-op/gocron"
	"gorm.io/gorm"
)

// Scheduler manages background maintenance jobs: reaping stalled sessions,
// archiving finished ones, and pruning old telemetry from the primary
// database.
type Scheduler struct {
	cron      *gocron.Scheduler
	db        *gorm.DB
	store     *sessionstore.Store
	bridge    *bridge.Bridge
	archive   *export.Archive
	mongoSink *export.MongoSink
}

// NewScheduler creates a scheduler instance. archive and mongoSink may be nil
// when archival is not configured.
func NewScheduler(db *gorm.DB, store *sessionstore.Store, br *bridge.Bridge, archive *export.Archive, sink *export.MongoSink) *Scheduler {
	return &Scheduler{
		cron:      gocron.NewScheduler(time.UTC),
		db:        db,
		store:     store,
		bridge:    br,
		archive:   archive,
		mongoSink: sink,
	}
}

// Start registers and starts all background jobs
func (s *Scheduler) Start() {
	log.Println("Starting scheduler...")

	// Reap running sessions that stopped reporting progress
	s.cron.Every(1).Minute().Do(func() {
		s.reapStalledSessions()
	})

	// Archive finished sessions to the local cold store / Mongo sink
	s.cron.Every(1).Hour().Do(func() {
		s.archiveFinishedSessions()
	})

	// Prune old telemetry nightly, after the archive pass has run
	s.cron.Every(1).Day().At("02:00").Do(func() {
		s.pruneOldTelemetry()
	})

	s.cron.StartAsync()
	log.Println("Scheduler started successfully")
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Scheduler stopped")
}
