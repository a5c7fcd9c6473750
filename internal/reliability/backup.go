package reliability

import (
	"compress/gzip"
	"context"
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
	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/database"
	"github.com/akrivos/helmsman/internal/modules/settings"
)

const (
	backupPrefix   = "helmsman-backup-"
	backupSuffix   = ".db.gz"
	backupStamp    = "2006-01-02-150405"
	backupInterval = 24 * time.Hour

	// minBackupsToKeep backups survive rotation regardless of age.
	minBackupsToKeep = 3
)

// BackupInfo describes one stored snapshot.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupService uploads compressed database snapshots to S3-compatible
// storage. Configuration lives in the settings table, re-read on every run,
// so enabling backups needs no restart.
type BackupService struct {
	db       *database.DB
	settings *settings.Repository
	log      zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBackupService creates the backup service.
func NewBackupService(db *database.DB, repo *settings.Repository, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:       db,
		settings: repo,
		log:      log.With().Str("service", "backup").Logger(),
	}
}

// Start launches the daily backup loop. Disabled runs are skipped, not
// rescheduled: the loop ticks regardless so enabling the setting takes effect
// on the next tick.
func (s *BackupService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(backupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Run(ctx); err != nil {
					s.log.Error().Err(err).Msg("Backup run failed")
				}
			}
		}
	}()
	s.log.Info().Dur("interval", backupInterval).Msg("Backup loop started")
}

// Stop halts the backup loop and waits for an in-flight run to return.
func (s *BackupService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Run executes one backup cycle: checkpoint, snapshot, upload, rotate.
// A no-op when backups are disabled or unconfigured.
func (s *BackupService) Run(ctx context.Context) error {
	if !s.settings.GetBool(settings.KeyBackupEnabled, false) {
		return nil
	}

	bucket, err := s.settings.Get(settings.KeyBackupBucket)
	if err != nil {
		return err
	}
	if bucket == nil || *bucket == "" {
		s.log.Warn().Msg("Backups enabled but no bucket configured")
		return nil
	}

	client, err := s.buildClient(ctx)
	if err != nil {
		return err
	}

	started := time.Now()

	// Fold the WAL into the main file so the snapshot is self-contained.
	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		return err
	}

	snapshot, err := s.compressSnapshot()
	if err != nil {
		return err
	}
	defer os.Remove(snapshot)

	key := backupPrefix + started.UTC().Format(backupStamp) + backupSuffix
	size, err := s.upload(ctx, client, *bucket, key, snapshot)
	if err != nil {
		return err
	}

	s.log.Info().
		Str("key", key).
		Int64("size_mb", size/1024/1024).
		Dur("duration_ms", time.Since(started)).
		Msg("Backup uploaded")

	retentionDays := s.settings.GetInt(settings.KeyBackupRetentionDays, 90)
	return s.rotate(ctx, client, *bucket, retentionDays)
}

// buildClient constructs an S3 client from the stored credentials. An empty
// endpoint means plain AWS; anything else is treated as an S3-compatible
// service (R2, MinIO) with path-style addressing.
func (s *BackupService) buildClient(ctx context.Context) (*s3.Client, error) {
	accessKey, err := s.settings.Get(settings.KeyBackupAccessKeyID)
	if err != nil {
		return nil, err
	}
	secretKey, err := s.settings.Get(settings.KeyBackupSecretKey)
	if err != nil {
		return nil, err
	}
	endpoint, err := s.settings.Get(settings.KeyBackupEndpoint)
	if err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if accessKey != nil && *accessKey != "" && secretKey != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(*accessKey, *secretKey, "")))
	}
	opts = append(opts, awsconfig.WithRegion("auto"))

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup credentials: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != nil && *endpoint != "" {
			o.BaseEndpoint = aws.String(*endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// compressSnapshot gzips the database file into a temp file and returns its
// path. The caller removes it.
func (s *BackupService) compressSnapshot() (string, error) {
	src, err := os.Open(s.db.Path())
	if err != nil {
		return "", fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(filepath.Dir(s.db.Path()), "backup-*.db.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create backup staging file: %w", err)
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to finish snapshot compression: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (s *BackupService) upload(ctx context.Context, client *s3.Client, bucket, key, path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}

	uploader := manager.NewUploader(client)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   file,
	}); err != nil {
		return 0, fmt.Errorf("failed to upload backup: %w", err)
	}
	return info.Size(), nil
}

// ListBackups returns the stored snapshots, newest first.
func (s *BackupService) ListBackups(ctx context.Context, client *s3.Client, bucket string) ([]BackupInfo, error) {
	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(backupPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		key := *obj.Key
		stamp := strings.TrimSuffix(strings.TrimPrefix(key, backupPrefix), backupSuffix)
		ts, err := time.Parse(backupStamp, stamp)
		if err != nil {
			continue
		}
		info := BackupInfo{Key: key, Timestamp: ts}
		if obj.Size != nil {
			info.SizeBytes = *obj.Size
		}
		backups = append(backups, info)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// rotate deletes snapshots past the retention window, always keeping the
// newest few. Retention 0 keeps everything.
func (s *BackupService) rotate(ctx context.Context, client *s3.Client, bucket string, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx, client, bucket)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(backup.Key),
		}); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Msg("Old backups rotated")
	}
	return nil
}
