// Package maintenance runs the daemon's daily housekeeping pass:
// integrity check, WAL checkpoint, disk-space headroom check, and a
// check that the latest off-site backup is present. It prunes no
// records. Adapted from
// the source's DailyMaintenanceJob, collapsed from its 7-database sweep
// down to the one database this daemon owns.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"syscall"

	"github.com/riskpilot/guardian/internal/backup"
	"github.com/rs/zerolog"
)

const (
	criticalFreeGB = 0.5
	warnFreeGB     = 10.0
)

// Service performs the daily maintenance pass against the single SQLite
// database and, when backups are enabled, verifies the most recent one.
type Service struct {
	db       *sql.DB
	dataDir  string
	backups  *backup.Service // nil when BACKUP_ENABLED=false
	log      zerolog.Logger
}

// New constructs a maintenance service. backups may be nil if off-site
// backup is disabled; in that case Run skips the backup-verification step.
func New(db *sql.DB, dataDir string, backups *backup.Service, log zerolog.Logger) *Service {
	return &Service{db: db, dataDir: dataDir, backups: backups, log: log.With().Str("component", "maintenance").Logger()}
}

// Run executes one maintenance pass. A disk-space or integrity failure
// is returned so the caller can decide whether to halt; a failed backup
// verification is logged but does not fail the pass, since a stale
// backup object does not put the live database at risk.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().Msg("starting daily maintenance")

	if err := s.checkIntegrity(ctx); err != nil {
		return fmt.Errorf("maintenance: integrity check: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if err := s.checkDiskSpace(); err != nil {
		return err
	}

	if s.backups != nil {
		if err := s.verifyLatestBackup(ctx); err != nil {
			s.log.Error().Err(err).Msg("backup verification failed")
		}
	}

	s.log.Info().Msg("daily maintenance completed")
	return nil
}

func (s *Service) checkIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check reported %q", result)
	}
	return nil
}

// checkDiskSpace halts maintenance by returning an error when free space
// on the data volume drops below criticalFreeGB.
func (s *Service) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dataDir, &stat); err != nil {
		return fmt.Errorf("maintenance: stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9
	s.log.Debug().Float64("available_gb", availableGB).Msg("disk space check")

	if availableGB < criticalFreeGB {
		return fmt.Errorf("maintenance: only %.2f GB free on data volume", availableGB)
	}
	if availableGB < warnFreeGB {
		s.log.Warn().Float64("available_gb", availableGB).Msg("disk space running low")
	}
	return nil
}

// verifyLatestBackup confirms that at least one uploaded archive exists
// and logs the newest one; it does not download the archive or check its
// checksum.
func (s *Service) verifyLatestBackup(ctx context.Context) error {
	backups, err := s.backups.List(ctx)
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	if len(backups) == 0 {
		return fmt.Errorf("no backups found in bucket")
	}
	s.log.Info().Str("key", backups[0].Key).Int64("size_bytes", backups[0].SizeBytes).Msg("latest backup present")
	return nil
}
