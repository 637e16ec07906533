package transfer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Ducheved/catsolle/internal/apperr"
	"github.com/Ducheved/catsolle/internal/events"
	"github.com/Ducheved/catsolle/internal/sshcore"
)

// progressByteThreshold and progressTimeThreshold gate how often a
// non-boundary progress event is emitted, per spec's progress
// emission policy.
const (
	progressByteThreshold = 256 * 1024
	progressTimeThreshold = 250 * time.Millisecond
	defaultBufferSize     = 32 * 1024
	preflightConcurrency  = 4
)

// SessionProvider resolves a remote endpoint's session id to a live SSH
// session. It is implemented by the Session Manager and injected here
// so that transfer does not import internal/session.
type SessionProvider interface {
	SFTPSession(sessionID uuid.UUID) (*sshcore.Session, error)
}

// Queue is the Transfer Queue: a bounded FIFO consumed by one dedicated
// worker goroutine.
type Queue struct {
	jobs     chan *Job
	bus      *events.Bus
	sessions SessionProvider
	limiter  *rate.Limiter

	mu     sync.Mutex
	closed bool
	byID   map[uuid.UUID]*Job
}

// NewQueue creates a Transfer Queue with the given FIFO capacity
// (spec default 32) and optional bandwidth cap in bytes/sec (0 disables
// the limiter).
func NewQueue(capacity int, bandwidthLimitBps int64, bus *events.Bus, sessions SessionProvider) *Queue {
	if capacity <= 0 {
		capacity = 32
	}
	var limiter *rate.Limiter
	if bandwidthLimitBps > 0 {
		limiter = rate.NewLimiter(rate.Limit(bandwidthLimitBps), int(bandwidthLimitBps))
	}
	q := &Queue{
		jobs:     make(chan *Job, capacity),
		bus:      bus,
		sessions: sessions,
		limiter:  limiter,
		byID:     make(map[uuid.UUID]*Job),
	}
	return q
}

// Run processes jobs until ctx is cancelled or Close is called. It is
// meant to be run as the queue's one dedicated worker goroutine.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(ctx, job)
		}
	}
}

// Enqueue submits a job for processing. It never blocks: a full queue
// yields ErrQueueFull, a closed queue yields ErrQueueClosed.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("transfer: %w", apperr.ErrQueueClosed)
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now().UTC()
	job.State = StateQueued
	q.byID[job.ID] = job
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("transfer: %w", apperr.ErrQueueFull)
	}
}

// Close stops accepting new jobs. In-flight and already-queued jobs
// still drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}

// Get returns a snapshot of a job's current state by id.
func (q *Queue) Get(id uuid.UUID) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (q *Queue) process(ctx context.Context, job *Job) {
	job.State = StateRunning
	job.startedAt = time.Now()

	job.Progress.BytesTotal = sumSizes(job.Files)
	job.Progress.FilesTotal = len(job.Files)
	q.emitProgress(job)

	if job.Options.Overwrite == OverwriteIfNewer || job.Options.Resume {
		q.applyPreflightSkips(ctx, job)
	}

	var lastEmit time.Time
	var bytesSinceEmit int64

	onProgress := func(file File, delta int64) {
		job.Progress.BytesTransferred += delta
		bytesSinceEmit += delta
		elapsed := time.Since(job.startedAt).Seconds()
		if elapsed > 0 && job.Progress.BytesTransferred > 0 {
			job.Progress.SpeedBps = float64(job.Progress.BytesTransferred) / elapsed
			if job.Progress.BytesTotal > 0 && job.Progress.SpeedBps > 0 {
				eta := float64(job.Progress.BytesTotal-job.Progress.BytesTransferred) / job.Progress.SpeedBps
				job.Progress.ETASeconds = &eta
			}
		}
		if bytesSinceEmit >= progressByteThreshold || time.Since(lastEmit) >= progressTimeThreshold {
			q.emitProgress(job)
			lastEmit = time.Now()
			bytesSinceEmit = 0
		}
	}

	for _, file := range job.Files {
		if file.Skip {
			job.Progress.FilesCompleted++
			continue
		}
		job.Progress.CurrentFile = file.DestPath
		if err := q.transferOne(ctx, job, file, onProgress); err != nil {
			job.State = StateFailed
			if ctx.Err() != nil {
				job.State = StateCancelled
			}
			job.FailedReason = err.Error()
			q.emitProgress(job)
			logrus.WithError(err).WithField("job_id", job.ID).Warn("transfer: job failed")
			return
		}
		job.Progress.FilesCompleted++
		q.emitProgress(job)
	}

	job.State = StateCompleted
	q.emitProgress(job)
}

// applyPreflightSkips concurrently stats destination files (bounded by
// preflightConcurrency via errgroup) to decide IfNewer/resume skips
// before the strictly sequential copy loop begins; this never touches
// the progress stream, so file-order guarantees are unaffected.
func (q *Queue) applyPreflightSkips(ctx context.Context, job *Job) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preflightConcurrency)

	for i := range job.Files {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			job.Files[i].Skip = q.shouldSkip(job, job.Files[i])
			return nil
		})
	}
	_ = g.Wait()
}

func (q *Queue) shouldSkip(job *Job, file File) bool {
	if job.Dest.Kind == EndpointLocal {
		info, err := os.Stat(file.DestPath)
		if err != nil {
			return false
		}
		return skipDecision(job.Options, info.Size(), info.ModTime(), file.Size)
	}
	sess, err := q.sessions.SFTPSession(job.Dest.SessionID)
	if err != nil {
		return false
	}
	sftp, err := sess.OpenSFTP()
	if err != nil {
		return false
	}
	defer sftp.Close()
	entry, err := sftp.Stat(file.DestPath)
	if err != nil {
		return false
	}
	return skipDecision(job.Options, entry.Size, entry.Modified, file.Size)
}

func skipDecision(opts Options, destSize int64, destModTime time.Time, srcSize int64) bool {
	if opts.Resume && destSize == srcSize {
		return true
	}
	if opts.Overwrite == OverwriteIfNewer && !destModTime.IsZero() {
		return destSize == srcSize
	}
	return false
}

func sumSizes(files []File) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

func (q *Queue) emitProgress(job *Job) {
	if q.bus == nil {
		return
	}
	q.bus.Send(events.TransferProgressEvent(job.ID, events.TransferProgress{
		BytesTransferred: job.Progress.BytesTransferred,
		BytesTotal:       job.Progress.BytesTotal,
		FilesCompleted:   job.Progress.FilesCompleted,
		FilesTotal:       job.Progress.FilesTotal,
		CurrentFile:      job.Progress.CurrentFile,
		SpeedBps:         job.Progress.SpeedBps,
		ETASeconds:       job.Progress.ETASeconds,
	}))
}

// transferOne dispatches one file by (source.kind, dest.kind), per
// spec.md §4.6.
func (q *Queue) transferOne(ctx context.Context, job *Job, file File, onProgress func(File, int64)) error {
	bufSize := job.Options.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}

	switch {
	case job.Source.Kind == EndpointLocal && job.Dest.Kind == EndpointRemote:
		return q.localToRemote(ctx, job, file, bufSize, onProgress)
	case job.Source.Kind == EndpointRemote && job.Dest.Kind == EndpointLocal:
		return q.remoteToLocal(ctx, job, file, bufSize, onProgress)
	case job.Source.Kind == EndpointLocal && job.Dest.Kind == EndpointLocal:
		return q.localToLocal(ctx, job, file, bufSize, onProgress)
	default:
		return fmt.Errorf("transfer: %w: remote-to-remote transfers are not supported", apperr.ErrUnsupported)
	}
}

func (q *Queue) localToRemote(ctx context.Context, job *Job, file File, bufSize int, onProgress func(File, int64)) error {
	sess, err := q.sessions.SFTPSession(job.Dest.SessionID)
	if err != nil {
		return fmt.Errorf("transfer: %w", apperr.ErrSessionNotFound)
	}
	sftpClient, err := sess.OpenSFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if file.IsDir {
		return sftpClient.MkdirAll(file.DestPath)
	}
	if err := sftpClient.MkdirAll(filepath.Dir(file.DestPath)); err != nil {
		return err
	}

	src, err := os.Open(file.SourcePath)
	if err != nil {
		return fmt.Errorf("transfer: %w: open source %s: %w", apperr.ErrIO, file.SourcePath, err)
	}
	defer src.Close()

	truncate := job.Options.Overwrite == OverwriteReplace || !job.Options.Resume
	dst, err := sftpClient.OpenWrite(file.DestPath, truncate)
	if err != nil {
		return err
	}

	srcHash := sha256.New()
	copyErr := q.copy(ctx, dst, io.TeeReader(src, srcHash), bufSize, file, onProgress)
	if closeErr := dst.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return copyErr
	}

	if job.Options.VerifyChecksum {
		remoteHash, err := q.hashRemote(sftpClient, file.DestPath, bufSize)
		if err != nil {
			return err
		}
		if string(remoteHash) != string(srcHash.Sum(nil)) {
			return fmt.Errorf("transfer: %w", apperr.ErrChecksumMismatch)
		}
	}

	if job.Options.PreservePermissions || job.Options.PreserveTimes {
		if info, err := os.Stat(file.SourcePath); err == nil {
			if job.Options.PreservePermissions {
				_ = sftpClient.Chmod(file.DestPath, info.Mode())
			}
			if job.Options.PreserveTimes {
				_ = sftpClient.Chtimes(file.DestPath, info.ModTime(), info.ModTime())
			}
		}
	}
	return nil
}

func (q *Queue) remoteToLocal(ctx context.Context, job *Job, file File, bufSize int, onProgress func(File, int64)) error {
	sess, err := q.sessions.SFTPSession(job.Source.SessionID)
	if err != nil {
		return fmt.Errorf("transfer: %w", apperr.ErrSessionNotFound)
	}
	sftpClient, err := sess.OpenSFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := os.MkdirAll(filepath.Dir(file.DestPath), 0o755); err != nil {
		return fmt.Errorf("transfer: %w: mkdir -p %s: %w", apperr.ErrIO, filepath.Dir(file.DestPath), err)
	}

	if file.IsDir {
		return os.MkdirAll(file.DestPath, 0o755)
	}

	src, err := sftpClient.OpenRead(file.SourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	flags := os.O_WRONLY | os.O_CREATE
	if job.Options.Overwrite == OverwriteReplace || !job.Options.Resume {
		flags |= os.O_TRUNC
	}
	dst, err := os.OpenFile(file.DestPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("transfer: %w: open dest %s: %w", apperr.ErrIO, file.DestPath, err)
	}

	srcHash := sha256.New()
	copyErr := q.copy(ctx, dst, io.TeeReader(src, srcHash), bufSize, file, onProgress)
	if closeErr := dst.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return copyErr
	}

	if job.Options.VerifyChecksum {
		localHash, err := hashLocal(file.DestPath, bufSize)
		if err != nil {
			return err
		}
		if string(localHash) != string(srcHash.Sum(nil)) {
			return fmt.Errorf("transfer: %w", apperr.ErrChecksumMismatch)
		}
	}

	if job.Options.PreservePermissions || job.Options.PreserveTimes {
		if entry, err := sftpClient.Stat(file.SourcePath); err == nil {
			if job.Options.PreservePermissions {
				_ = os.Chmod(file.DestPath, entry.Permissions)
			}
			if job.Options.PreserveTimes {
				_ = os.Chtimes(file.DestPath, entry.Modified, entry.Modified)
			}
		}
	}
	return nil
}

// localToLocal performs a host-level copy; Go has no dedicated
// reflink/copy syscall wrapper in the ecosystem this pack exercises, so
// this is a plain buffered copy through q.copy, which is what the
// platform syscall would fall back to for cross-filesystem copies anyway.
func (q *Queue) localToLocal(ctx context.Context, job *Job, file File, bufSize int, onProgress func(File, int64)) error {
	if file.IsDir {
		return os.MkdirAll(file.DestPath, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(file.DestPath), 0o755); err != nil {
		return fmt.Errorf("transfer: %w: mkdir -p %s: %w", apperr.ErrIO, filepath.Dir(file.DestPath), err)
	}

	src, err := os.Open(file.SourcePath)
	if err != nil {
		return fmt.Errorf("transfer: %w: open source %s: %w", apperr.ErrIO, file.SourcePath, err)
	}
	defer src.Close()

	flags := os.O_WRONLY | os.O_CREATE
	if job.Options.Overwrite == OverwriteReplace || !job.Options.Resume {
		flags |= os.O_TRUNC
	}
	dst, err := os.OpenFile(file.DestPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("transfer: %w: open dest %s: %w", apperr.ErrIO, file.DestPath, err)
	}
	defer dst.Close()

	if err := q.copy(ctx, dst, src, bufSize, file, onProgress); err != nil {
		return err
	}

	if job.Options.PreservePermissions || job.Options.PreserveTimes {
		if info, err := os.Stat(file.SourcePath); err == nil {
			if job.Options.PreservePermissions {
				_ = os.Chmod(file.DestPath, info.Mode())
			}
			if job.Options.PreserveTimes {
				_ = os.Chtimes(file.DestPath, info.ModTime(), info.ModTime())
			}
		}
	}
	return nil
}

// copy streams src into dst in bufSize chunks, honoring the queue's
// optional bandwidth limiter and invoking onProgress after every write
// in source order.
func (q *Queue) copy(ctx context.Context, dst io.Writer, src io.Reader, bufSize int, file File, onProgress func(File, int64)) error {
	buf := make([]byte, bufSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if q.limiter != nil {
				if err := q.limiter.WaitN(ctx, n); err != nil {
					return fmt.Errorf("transfer: %w: bandwidth limiter: %w", apperr.ErrIO, err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("transfer: %w: write %s: %w", apperr.ErrIO, file.DestPath, err)
			}
			onProgress(file, int64(n))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("transfer: %w: read %s: %w", apperr.ErrIO, file.SourcePath, readErr)
		}
	}
}

func (q *Queue) hashRemote(sftpClient *sshcore.SFTPClient, path string, bufSize int) ([]byte, error) {
	r, err := sftpClient.OpenRead(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	h := sha256.New()
	if _, err := io.CopyBuffer(h, r, make([]byte, bufSize)); err != nil {
		return nil, fmt.Errorf("transfer: %w: hash remote %s: %w", apperr.ErrIO, path, err)
	}
	return h.Sum(nil), nil
}

func hashLocal(path string, bufSize int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: %w: hash local %s: %w", apperr.ErrIO, path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, bufSize)); err != nil {
		return nil, fmt.Errorf("transfer: %w: hash local %s: %w", apperr.ErrIO, path, err)
	}
	return h.Sum(nil), nil
}
