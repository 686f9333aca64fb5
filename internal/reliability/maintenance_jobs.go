// Package reliability runs the Persistence Engine's scheduled upkeep: a
// daily integrity check plus WAL checkpoint, and a weekly VACUUM, over
// the primary database.
package reliability

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/database"
)

// DailyMaintenanceJob runs a full integrity check and forces a WAL
// checkpoint so the write-ahead log never grows unbounded between
// vacuums.
type DailyMaintenanceJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewDailyMaintenanceJob builds a job bound to db.
func NewDailyMaintenanceJob(db *database.DB, log zerolog.Logger) *DailyMaintenanceJob {
	return &DailyMaintenanceJob{db: db, log: log.With().Str("job", "daily_maintenance").Logger()}
}

// Run performs the daily maintenance pass. A failed integrity check is
// the only failure treated as fatal; WAL checkpoint failures are logged
// and otherwise ignored since the next checkpoint will retry.
func (j *DailyMaintenanceJob) Run() error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := j.db.HealthCheck(ctx); err != nil {
		j.log.Error().Err(err).Msg("database integrity check failed")
		return err
	}

	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Warn().Err(err).Msg("wal checkpoint failed")
	}

	stats, err := j.db.GetStats()
	if err != nil {
		j.log.Warn().Err(err).Msg("failed to read database stats")
	} else {
		j.log.Info().
			Int64("size_bytes", stats.SizeBytes).
			Int64("wal_size_bytes", stats.WALSizeBytes).
			Msg("database size")
	}

	j.log.Info().Dur("duration", time.Since(start)).Msg("daily maintenance completed")
	return nil
}

// WeeklyMaintenanceJob reclaims space fragmented by deletes and updates
// over the preceding week.
type WeeklyMaintenanceJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewWeeklyMaintenanceJob builds a job bound to db.
func NewWeeklyMaintenanceJob(db *database.DB, log zerolog.Logger) *WeeklyMaintenanceJob {
	return &WeeklyMaintenanceJob{db: db, log: log.With().Str("job", "weekly_maintenance").Logger()}
}

// Run vacuums the database and logs the space reclaimed.
func (j *WeeklyMaintenanceJob) Run() error {
	start := time.Now()

	before, err := j.db.GetStats()
	if err != nil {
		j.log.Warn().Err(err).Msg("failed to read database stats before vacuum")
	}

	if err := j.db.Vacuum(); err != nil {
		j.log.Error().Err(err).Msg("vacuum failed")
		return err
	}

	if before != nil {
		if after, err := j.db.GetStats(); err == nil {
			j.log.Info().
				Int64("size_before_bytes", before.SizeBytes).
				Int64("size_after_bytes", after.SizeBytes).
				Msg("vacuum reclaimed space")
		}
	}

	j.log.Info().Dur("duration", time.Since(start)).Msg("weekly maintenance completed")
	return nil
}
