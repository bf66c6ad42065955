package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	backupKeyPrefix  = "orchestrator-backup-"
	pendingRestoreFlagName = ".pending-restore"
	stagingDirName         = "restore-staging"
	minBackupsToKeep       = 3
)

// BackupMetadata describes one archive's contents, written alongside the
// database inside the tarball so StageRestore can validate without
// re-deriving anything from the object key.
type BackupMetadata struct {
	Timestamp      time.Time `json:"timestamp"`
	DBFilename     string    `json:"db_filename"`
	DBSizeBytes    int64     `json:"db_size_bytes"`
	DBChecksum     string    `json:"db_checksum"`
	RunLogFiles    int       `json:"run_log_files"`
}

// BackupInfo is one archive visible in the R2 bucket.
type BackupInfo struct {
	Filename  string
	Timestamp time.Time
	SizeBytes int64
}

// pendingRestore is the on-disk flag ExecuteStagedRestoreIfPending looks
// for at daemon start.
type pendingRestore struct {
	BackupFilename string    `json:"backup_filename"`
	StagedAt       time.Time `json:"staged_at"`
	DBChecksum     string    `json:"db_checksum"`
}

// Archiver snapshots the Store database file (plus its WAL/SHM siblings)
// and the run_logs tree to R2, and can stage + apply a two-phase restore.
// Only active when R2 credentials are configured (see config.ArchiveEnabled);
// the daemon simply never constructs one otherwise.
type Archiver struct {
	r2 *R2Client

	dbPath     string
	runLogsDir string
	dataDir    string

	retention time.Duration
	log       zerolog.Logger
}

// NewArchiver builds an Archiver. retentionDays bounds which run_logs files
// are swept into a backup (0 disables the filter, including everything).
func NewArchiver(r2 *R2Client, dbPath, runLogsDir, dataDir string, retentionDays int, log zerolog.Logger) *Archiver {
	var retention time.Duration
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	return &Archiver{
		r2:         r2,
		dbPath:     dbPath,
		runLogsDir: runLogsDir,
		dataDir:    dataDir,
		retention:  retention,
		log:        log.With().Str("component", "archiver").Logger(),
	}
}

// BackupNow tars the database file (including -wal/-shm if present) plus
// run_logs entries younger than the retention window, and uploads the
// result to R2 under a timestamped key.
func (a *Archiver) BackupNow(ctx context.Context) error {
	now := time.Now().UTC()
	key := fmt.Sprintf("%s%s.tar.gz", backupKeyPrefix, now.Format("2006-01-02-150405"))

	stagingDir, err := os.MkdirTemp("", "orchestrator-backup-")
	if err != nil {
		return fmt.Errorf("failed to create backup staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	dbInfo, err := os.Stat(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to stat database file: %w", err)
	}
	checksum, err := a.calculateChecksum(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to checksum database file: %w", err)
	}

	logFiles, err := a.recentRunLogFiles(now)
	if err != nil {
		return fmt.Errorf("failed to list run log files: %w", err)
	}

	metadata := BackupMetadata{
		Timestamp:   now,
		DBFilename:  filepath.Base(a.dbPath),
		DBSizeBytes: dbInfo.Size(),
		DBChecksum:  checksum,
		RunLogFiles: len(logFiles),
	}
	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeJSON(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write backup metadata: %w", err)
	}

	archivePath := filepath.Join(stagingDir, key)
	if err := a.createArchive(archivePath, metadataPath, logFiles); err != nil {
		return fmt.Errorf("failed to create backup archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open backup archive: %w", err)
	}
	defer archiveFile.Close()
	archiveInfo, err := archiveFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat backup archive: %w", err)
	}

	if err := a.r2.Upload(ctx, key, archiveFile, archiveInfo.Size()); err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	a.log.Info().Str("key", key).Int64("bytes", archiveInfo.Size()).Msg("backup uploaded")

	if err := a.rotateOldBackups(ctx, now); err != nil {
		a.log.Error().Err(err).Msg("failed to rotate old backups")
	}
	return nil
}

// rotateOldBackups deletes backups older than the retention window, always
// keeping at least minBackupsToKeep regardless of age.
func (a *Archiver) rotateOldBackups(ctx context.Context, now time.Time) error {
	if a.retention <= 0 {
		return nil
	}
	backups, err := a.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := now.Add(-a.retention)
	for _, b := range backups[minBackupsToKeep:] {
		if !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := a.r2.Delete(ctx, b.Filename); err != nil {
			a.log.Error().Err(err).Str("key", b.Filename).Msg("failed to delete expired backup")
			continue
		}
		a.log.Info().Str("key", b.Filename).Msg("expired backup deleted")
	}
	return nil
}

// ListBackups returns every archive in the bucket, newest first.
func (a *Archiver) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := a.r2.List(ctx, backupKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		info := BackupInfo{Filename: *obj.Key}
		if obj.Size != nil {
			info.SizeBytes = *obj.Size
		}
		if obj.LastModified != nil {
			info.Timestamp = *obj.LastModified
		}
		backups = append(backups, info)
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// StageRestore downloads and validates an archive, then writes a
// .pending-restore flag. Phase one of the two-phase restore: the actual
// swap happens on the next daemon start, before anything else opens the
// Store file.
func (a *Archiver) StageRestore(ctx context.Context, key string) error {
	stagingDir := filepath.Join(a.dataDir, stagingDirName)
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("failed to clean staging directory: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	archivePath := filepath.Join(stagingDir, key)
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	writerAt := &FileWriterAt{File: archiveFile}
	_, err = a.r2.Download(ctx, key, writerAt)
	archiveFile.Close()
	if err != nil {
		os.RemoveAll(stagingDir)
		return fmt.Errorf("failed to download backup: %w", err)
	}

	if err := extractArchive(archivePath, stagingDir); err != nil {
		os.RemoveAll(stagingDir)
		return fmt.Errorf("failed to extract backup: %w", err)
	}

	metadata, err := readMetadata(filepath.Join(stagingDir, "backup-metadata.json"))
	if err != nil {
		os.RemoveAll(stagingDir)
		return fmt.Errorf("failed to read backup metadata: %w", err)
	}
	if err := a.validateStagedDB(stagingDir, metadata); err != nil {
		os.RemoveAll(stagingDir)
		return fmt.Errorf("staged backup failed validation: %w", err)
	}

	flag := pendingRestore{BackupFilename: key, StagedAt: time.Now().UTC(), DBChecksum: metadata.DBChecksum}
	if err := writeJSON(filepath.Join(a.dataDir, pendingRestoreFlagName), flag); err != nil {
		os.RemoveAll(stagingDir)
		return fmt.Errorf("failed to write restore flag: %w", err)
	}

	a.log.Warn().Str("key", key).Msg("restore staged, restart the daemon to apply")
	return nil
}

// ExecuteStagedRestoreIfPending applies a staged restore if one is pending.
// Called once at daemon start, before the Store opens the database file.
// Returns whether a restore was applied.
func (a *Archiver) ExecuteStagedRestoreIfPending() (bool, error) {
	flagPath := filepath.Join(a.dataDir, pendingRestoreFlagName)
	if _, err := os.Stat(flagPath); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to check restore flag: %w", err)
	}

	var flag pendingRestore
	if err := readJSON(flagPath, &flag); err != nil {
		return false, fmt.Errorf("failed to read restore flag: %w", err)
	}

	stagingDir := filepath.Join(a.dataDir, stagingDirName)
	metadata, err := readMetadata(filepath.Join(stagingDir, "backup-metadata.json"))
	if err != nil {
		return false, fmt.Errorf("failed to read staged metadata: %w", err)
	}
	if err := a.validateStagedDB(stagingDir, metadata); err != nil {
		return false, fmt.Errorf("staged backup failed re-validation: %w", err)
	}

	safetyDir := filepath.Join(a.dataDir, fmt.Sprintf("pre-restore-backup-%s", time.Now().UTC().Format("20060102-150405")))
	if err := os.MkdirAll(safetyDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create safety backup dir: %w", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := a.dbPath + suffix
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, filepath.Join(safetyDir, filepath.Base(src))); err != nil {
				a.log.Error().Err(err).Str("file", src).Msg("failed to create pre-restore safety copy")
			}
		}
	}

	stagedDBPath := filepath.Join(stagingDir, metadata.DBFilename)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		dst := a.dbPath + suffix
		os.Remove(dst)
		src := stagedDBPath + suffix
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, dst); err != nil {
				return false, fmt.Errorf("failed to restore %s: %w", dst, err)
			}
		}
	}

	os.Remove(flagPath)
	os.RemoveAll(stagingDir)

	a.log.Warn().Str("backup_filename", flag.BackupFilename).Str("safety_backup", safetyDir).Msg("restore applied")
	return true, nil
}

// CancelStagedRestore discards a pending restore without applying it.
func (a *Archiver) CancelStagedRestore() error {
	if err := os.Remove(filepath.Join(a.dataDir, pendingRestoreFlagName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove restore flag: %w", err)
	}
	return os.RemoveAll(filepath.Join(a.dataDir, stagingDirName))
}

func (a *Archiver) validateStagedDB(stagingDir string, metadata *BackupMetadata) error {
	dbPath := filepath.Join(stagingDir, metadata.DBFilename)
	info, err := os.Stat(dbPath)
	if err != nil {
		return fmt.Errorf("staged database not found: %w", err)
	}
	if info.Size() != metadata.DBSizeBytes {
		return fmt.Errorf("staged database size mismatch: expected %d, got %d", metadata.DBSizeBytes, info.Size())
	}
	checksum, err := a.calculateChecksum(dbPath)
	if err != nil {
		return fmt.Errorf("failed to checksum staged database: %w", err)
	}
	if checksum != metadata.DBChecksum {
		return fmt.Errorf("staged database checksum mismatch")
	}
	return checkIntegrity(dbPath)
}

func (a *Archiver) calculateChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

func (a *Archiver) recentRunLogFiles(now time.Time) ([]string, error) {
	entries, err := os.ReadDir(a.runLogsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if a.retention > 0 && now.Sub(info.ModTime()) > a.retention {
			continue
		}
		files = append(files, filepath.Join(a.runLogsDir, entry.Name()))
	}
	return files, nil
}

// createArchive builds a tar.gz containing the database file (and its
// -wal/-shm siblings if present), the metadata file, and every run log
// path given.
func (a *Archiver) createArchive(archivePath, metadataPath string, logFiles []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer archiveFile.Close()

	gzWriter := gzip.NewWriter(archiveFile)
	defer gzWriter.Close()
	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	if err := addFileToTar(tarWriter, metadataPath, "backup-metadata.json"); err != nil {
		return err
	}

	dbName := filepath.Base(a.dbPath)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := a.dbPath + suffix
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := addFileToTar(tarWriter, src, dbName+suffix); err != nil {
			return err
		}
	}

	for _, src := range logFiles {
		if err := addFileToTar(tarWriter, src, filepath.Join("run_logs", filepath.Base(src))); err != nil {
			return err
		}
	}

	return nil
}

func addFileToTar(w *tar.Writer, src, name string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to build tar header for %s: %w", src, err)
	}
	header.Name = name

	if err := w.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", src, err)
	}
	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("failed to write tar body for %s: %w", src, err)
	}
	return nil
}

func extractArchive(archivePath, destDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	gzReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		target := filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("invalid path in archive: %s", header.Name)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", target, err)
		}
		if _, err := io.Copy(out, tarReader); err != nil {
			out.Close()
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
		out.Close()
	}
}

func checkIntegrity(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open staged database: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func readMetadata(path string) (*BackupMetadata, error) {
	var metadata BackupMetadata
	if err := readJSON(path, &metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}

func writeJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSON(path string, v interface{}) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(v)
}

// FileWriterAt wraps a file to implement io.WriterAt for the downloader,
// which writes sequentially in this single-threaded usage.
type FileWriterAt struct {
	File   *os.File
	offset int64
}

func (f *FileWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if off != f.offset {
		return 0, fmt.Errorf("FileWriterAt only supports sequential writes")
	}
	n, err := f.File.Write(p)
	f.offset += int64(n)
	return n, err
}
