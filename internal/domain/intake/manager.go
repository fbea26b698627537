package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/pkg/uuid"
)

// Topics emitted by the intake manager.
const (
	TopicFileQueued  = "ingest.file.queued"
	TopicBatchQueued = "ingest.batch.queued"
)

// Dispatcher is what the manager hands finished jobs to. Implemented by the
// dispatch package; abstracted here to keep intake free of routing logic.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *IngestJob) error
}

// Manager receives files, classifies them, and persists ingest jobs.
type Manager struct {
	store       *Store
	bus         eventbus.Bus
	dispatcher  Dispatcher
	storagePath string
	tempPath    string
	ocrMode     string
	maxRetries  int
}

// NewManager creates an intake manager. dispatcher may be nil in tests;
// received jobs then stay PENDING.
func NewManager(store *Store, bus eventbus.Bus, dispatcher Dispatcher, storagePath, tempPath, ocrMode string, maxRetries int) *Manager {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Manager{
		store:       store,
		bus:         bus,
		dispatcher:  dispatcher,
		storagePath: storagePath,
		tempPath:    tempPath,
		ocrMode:     ocrMode,
		maxRetries:  maxRetries,
	}
}

// OCRMode returns the configured OCR route mode.
func (m *Manager) OCRMode() string { return m.ocrMode }

// Store exposes the job store to collaborators (dispatcher, handlers).
func (m *Manager) Store() *Store { return m.store }

// ReceiveFile streams content to a temp file while hashing, classifies it,
// scores image quality, computes the worker route, moves the file to
// canonical storage, persists the job, and dispatches it.
func (m *Manager) ReceiveFile(ctx context.Context, r io.Reader, filename string, priority int) (*IngestJob, error) {
	return m.receive(ctx, r, filename, priority, "")
}

func (m *Manager) receive(ctx context.Context, r io.Reader, filename string, priority int, batchID string) (*IngestJob, error) {
	filename = SanitizeFilename(filename)
	jobID := uuid.NewV7().String()

	tempPath, size, sum, err := m.stageToTemp(jobID, r)
	if err != nil {
		return nil, err
	}

	info, route := Classify(tempPath, filename, size, sum)

	job := &IngestJob{
		JobID:      jobID,
		Info:       info,
		Priority:   priority,
		Status:     StatusPending,
		Route:      route,
		MaxRetries: m.maxRetries,
		BatchID:    batchID,
	}

	if info.Category == CategoryImage {
		if quality, qErr := ScoreImageFile(tempPath); qErr == nil {
			job.Quality = quality
			job.Classification = ClassifyQuality(quality)
		} else {
			log.WithError(qErr).WithField("job_id", jobID).Warn("image quality scoring failed")
		}
	}

	storedPath, err := m.moveToStorage(tempPath, jobID, info)
	if err != nil {
		return nil, err
	}
	job.Info.Path = storedPath

	if err := m.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}

	m.bus.Emit(TopicFileQueued, map[string]any{
		"job_id":   jobID,
		"filename": filename,
		"category": string(info.Category),
		"priority": priority,
	}, "ingest")

	if m.dispatcher != nil && len(job.Route) > 0 {
		if err := m.dispatcher.Dispatch(ctx, job); err != nil {
			return nil, fmt.Errorf("intake: dispatch %s: %w", jobID, err)
		}
	}
	return m.store.GetJob(ctx, jobID)
}

// BatchFile is one named stream in a batch upload.
type BatchFile struct {
	Name   string
	Reader io.Reader
}

// ReceiveBatch ingests multiple files under one batch record. Individual
// failures don't abort the batch; they count as failed child jobs.
func (m *Manager) ReceiveBatch(ctx context.Context, files []BatchFile, priority int) (string, []*IngestJob, error) {
	batchID, err := m.store.CreateBatch(ctx, len(files))
	if err != nil {
		return "", nil, err
	}

	var jobs []*IngestJob
	for _, f := range files {
		job, rErr := m.receive(ctx, f.Reader, f.Name, priority, batchID)
		if rErr != nil {
			log.WithError(rErr).WithField("filename", f.Name).Error("batch file failed at intake")
			if bErr := m.store.BumpBatch(ctx, batchID, true); bErr != nil {
				return batchID, jobs, bErr
			}
			continue
		}
		jobs = append(jobs, job)
	}

	m.bus.Emit(TopicBatchQueued, map[string]any{
		"batch_id": batchID,
		"total":    len(files),
		"queued":   len(jobs),
	}, "ingest")
	return batchID, jobs, nil
}

// ReceivePath ingests files from a filesystem path, optionally recursing
// into subdirectories.
func (m *Manager) ReceivePath(ctx context.Context, root string, recursive bool, priority int) (string, []*IngestJob, error) {
	var files []BatchFile
	var opened []*os.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != root && !recursive {
				return fs.SkipDir
			}
			return nil
		}
		f, oErr := os.Open(path)
		if oErr != nil {
			return oErr
		}
		opened = append(opened, f)
		files = append(files, BatchFile{Name: d.Name(), Reader: f})
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("intake: walk %s: %w", root, err)
	}
	if len(files) == 0 {
		return "", nil, fmt.Errorf("intake: no files under %s", root)
	}
	return m.ReceiveBatch(ctx, files, priority)
}

// stageToTemp streams r to a temp file, returning its path, size, and hex
// SHA-256.
func (m *Manager) stageToTemp(jobID string, r io.Reader) (string, int64, string, error) {
	if err := os.MkdirAll(m.tempPath, 0o755); err != nil {
		return "", 0, "", fmt.Errorf("intake: create temp dir: %w", err)
	}
	tempPath := filepath.Join(m.tempPath, jobID+".staging")
	f, err := os.Create(tempPath)
	if err != nil {
		return "", 0, "", fmt.Errorf("intake: create temp file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		os.Remove(tempPath)
		return "", 0, "", fmt.Errorf("intake: stream to temp: %w", err)
	}
	return tempPath, size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// moveToStorage places the staged file at its canonical path
// storage/<YYYY/MM/DD>/<category>/<job_id><ext>.
func (m *Manager) moveToStorage(tempPath, jobID string, info FileInfo) (string, error) {
	now := time.Now().UTC()
	dir := filepath.Join(m.storagePath,
		fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()),
		string(info.Category))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("intake: create storage dir: %w", err)
	}

	dest := filepath.Join(dir, jobID+info.Extension)
	if err := os.Rename(tempPath, dest); err != nil {
		// Rename fails across filesystems; fall back to copy+remove.
		if cErr := copyFile(tempPath, dest); cErr != nil {
			return "", fmt.Errorf("intake: move to storage: %w", cErr)
		}
		os.Remove(tempPath)
	}
	return dest, nil
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
	return out.Close()
}

// SanitizeFilename strips path separators and NUL bytes, truncates to 200
// bytes, and collapses an empty result to "unnamed".
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		name = ""
	}
	for len(name) > 200 {
		// Trim whole runes until under the byte limit.
		runes := []rune(name)
		name = string(runes[:len(runes)-1])
	}
	if name == "" {
		return "unnamed"
	}
	return name
}
