// Package backup performs the daemon's off-site backup: a nightly
// snapshot of the SQLite database, checksummed and archived, uploaded to
// an S3-compatible bucket (e.g. Cloudflare R2) with retention rotation.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/riskpilot/guardian/internal/config"
	"github.com/rs/zerolog"
)

const (
	objectPrefix     = "guardian-backup-"
	timestampLayout  = "2006-01-02-150405"
	minBackupsToKeep = 3
)

// Metadata describes one archived snapshot.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// Info describes a backup object already sitting in the bucket.
type Info struct {
	Key       string
	Timestamp time.Time
	SizeBytes int64
}

// Service archives the daemon's SQLite file and ships it to an
// S3-compatible bucket on a schedule (the caller drives that schedule
// with robfig/cron; see cmd/server).
type Service struct {
	s3     *s3.Client
	upload *manager.Uploader
	bucket string
	db     *sql.DB
	dbPath string
	stage  string
	log    zerolog.Logger
}

// New builds a Service from the resolved config. When cfg.BackupEndpoint
// is set the client points at that S3-compatible endpoint (R2, MinIO,
// etc.) instead of AWS; otherwise it falls back to the default AWS
// resolver for cfg.BackupRegion.
func New(ctx context.Context, cfg *config.Config, db *sql.DB, log zerolog.Logger) (*Service, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.BackupRegion),
	}
	if cfg.BackupAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.BackupAccessKey, cfg.BackupSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("backup: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BackupEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BackupEndpoint)
			o.UsePathStyle = true
		}
	})

	stage := filepath.Join(filepath.Dir(cfg.DatabasePath), "backup-staging")
	return &Service{
		s3:     client,
		upload: manager.NewUploader(client),
		bucket: cfg.BackupBucket,
		db:     db,
		dbPath: cfg.DatabasePath,
		stage:  stage,
		log:    log.With().Str("component", "backup").Logger(),
	}, nil
}

// Run creates one snapshot, checksums and archives it alongside a
// metadata manifest, and uploads the archive to the bucket.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().Msg("starting backup")
	start := time.Now()

	if err := os.MkdirAll(s.stage, 0o755); err != nil {
		return fmt.Errorf("backup: create staging dir: %w", err)
	}
	defer os.RemoveAll(s.stage)

	snapshotPath := filepath.Join(s.stage, "guardian.db")
	if err := s.snapshot(ctx, snapshotPath); err != nil {
		return fmt.Errorf("backup: snapshot database: %w", err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return fmt.Errorf("backup: stat snapshot: %w", err)
	}
	checksum, err := checksumFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("backup: checksum snapshot: %w", err)
	}

	metaPath := filepath.Join(s.stage, "backup-metadata.json")
	meta := Metadata{Timestamp: start.UTC(), Database: "guardian", SizeBytes: info.Size(), Checksum: checksum}
	if err := writeMetadata(metaPath, meta); err != nil {
		return fmt.Errorf("backup: write metadata: %w", err)
	}

	archiveName := fmt.Sprintf("%s%s.tar.gz", objectPrefix, start.Format(timestampLayout))
	archivePath := filepath.Join(s.stage, archiveName)
	if err := createArchive(archivePath, snapshotPath, metaPath); err != nil {
		return fmt.Errorf("backup: create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: open archive: %w", err)
	}
	defer archive.Close()

	if _, err := s.upload.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(archiveName),
		Body:   archive,
	}); err != nil {
		return fmt.Errorf("backup: upload archive: %w", err)
	}

	s.log.Info().Str("archive", archiveName).Dur("duration", time.Since(start)).Msg("backup completed")
	return nil
}

// snapshot uses SQLite's online backup mechanism (VACUUM INTO) to take a
// consistent copy of the live database without blocking writers for the
// archive step that follows.
func (s *Service) snapshot(ctx context.Context, dest string) error {
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest)
	return err
}

// List returns backups currently in the bucket, newest first.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	out, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(objectPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("backup: list objects: %w", err)
	}

	backups := make([]Info, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		ts, ok := parseTimestamp(*obj.Key)
		if !ok {
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, Info{Key: *obj.Key, Timestamp: ts, SizeBytes: size})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// Rotate deletes backups older than retainDays, always keeping at least
// the newest minBackupsToKeep regardless of age. retainDays <= 0 keeps
// everything.
func (s *Service) Rotate(ctx context.Context, retainDays int) error {
	backups, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("backup: rotate: %w", err)
	}
	if len(backups) <= minBackupsToKeep || retainDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retainDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep || !b.Timestamp.Before(cutoff) {
			continue
		}
		if _, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(b.Key)}); err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("failed deleting old backup")
			continue
		}
		deleted++
	}
	s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("backup rotation completed")
	return nil
}

func parseTimestamp(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, objectPrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(key, objectPrefix), ".tar.gz")
	ts, err := time.Parse(timestampLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeMetadata(path string, meta Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func createArchive(archivePath string, members ...string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range members {
		if err := addFile(tw, path, filepath.Base(path)); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{Name: nameInArchive, Size: info.Size(), Mode: int64(info.Mode()), ModTime: info.ModTime()}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
