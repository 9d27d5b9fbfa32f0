package upload

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/scenesync/scenesync/internal/batch"
	"github.com/scenesync/scenesync/internal/githost"
	"github.com/scenesync/scenesync/internal/progress"
	"github.com/scenesync/scenesync/internal/retry"
)

// Progress event types emitted through the caller's callback.
const (
	EventRepositoryCreating = "repository_creating"
	EventRepositoryCreated  = "repository_created"
	EventUploadStarting     = "upload_starting"
	EventBatchStart         = "batch_start"
	EventBatchComplete      = "batch_complete"
	EventFileStart          = "file_start"
	EventFileComplete       = "file_complete"
	EventFileError          = "file_error"
	EventRateLimit          = "rate_limit"
	EventUploadComplete     = "upload_complete"
)

// ValidationError reports a malformed job. It fails fast and is never
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid upload job: %s %s", e.Field, e.Reason)
}

type File struct {
	Path    string
	Content []byte
}

type BatchOptions struct {
	BatchSize           int
	Concurrency         int
	DelayBetweenBatches time.Duration
}

type Job struct {
	Owner string
	Repo  string
	Files []File
	// CreateRepo creates the repository when absent. When false an absent
	// repository fails the job with githost.NotFoundError.
	CreateRepo    bool
	RepoOptions   githost.RepoOptions
	Batch         BatchOptions
	Branch        string
	CommitMessage string
}

// ProgressEvent is the single structured seam consumed by callers: every
// stage of the pipeline reports through it.
type ProgressEvent struct {
	Type       string            `json:"type"`
	JobId      string            `json:"job_id"`
	Repo       string            `json:"repo,omitempty"`
	Path       string            `json:"path,omitempty"`
	Error      string            `json:"error,omitempty"`
	Batch      int               `json:"batch,omitempty"`
	Batches    int               `json:"batches,omitempty"`
	RetryIn    time.Duration     `json:"retry_in,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	Progress   progress.Snapshot `json:"progress"`
	Result     *Result           `json:"result,omitempty"`
}

type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e FileError) Unwrap() error { return e.Err }

type Result struct {
	TotalFiles      int
	SuccessCount    int
	ErrorCount      int
	SuccessfulFiles []string
	FailedFiles     []string
	Errors          []FileError
}

// RepoService is the slice of the hosting API the orchestrator needs.
// *githost.Client satisfies it.
type RepoService interface {
	GetRepository(ctx context.Context, owner, repo string) (*githost.Repository, error)
	CreateRepository(ctx context.Context, name string, opts githost.RepoOptions) (*githost.Repository, error)
	GetContents(ctx context.Context, owner, repo, path, ref string) (*githost.Contents, error)
	PutContents(ctx context.Context, owner, repo, path string, opts githost.PutContentsOptions) (*githost.Contents, error)
}

type Uploader struct {
	svc   RepoService
	log   *log.Logger
	retry retry.Options
}

func NewUploader(svc RepoService, logger *log.Logger) *Uploader {
	return &Uploader{svc: svc, log: logger}
}

// WithRetryOptions overrides the default retry discipline, mainly to shrink
// delays in tests.
func (u *Uploader) WithRetryOptions(opts retry.Options) *Uploader {
	u.retry = opts
	return u
}

// UploadRepository drives the whole pipeline: existence check, optional
// create, batched uploads with per-file retry, and aggregation. A single
// file's permanent failure does not fail the job; partial success is a
// valid terminal state.
func (u *Uploader) UploadRepository(ctx context.Context, job Job, onProgress func(ProgressEvent)) (*Result, error) {
	if job.Repo == "" {
		return nil, &ValidationError{Field: "repo", Reason: "must not be empty"}
	}
	if len(job.Files) == 0 {
		return nil, &ValidationError{Field: "files", Reason: "must not be empty"}
	}

	jobId := uuid.NewString()
	tracker := progress.NewTracker(len(job.Files), nil)

	emit := func(evt ProgressEvent) {
		if onProgress == nil {
			return
		}
		evt.JobId = jobId
		evt.Repo = job.Repo
		evt.Progress = tracker.Snapshot()
		onProgress(evt)
	}

	if err := u.ensureRepository(ctx, job, emit); err != nil {
		return nil, err
	}

	tracker.Start()
	emit(ProgressEvent{Type: EventUploadStarting})

	opts := batch.Options[File, string]{
		BatchSize:           job.Batch.BatchSize,
		Concurrency:         job.Batch.Concurrency,
		DelayBetweenBatches: job.Batch.DelayBetweenBatches,
		OnBatchStart: func(b, total int, _ []File) {
			emit(ProgressEvent{Type: EventBatchStart, Batch: b, Batches: total})
		},
		OnBatchComplete: func(b, total int) {
			emit(ProgressEvent{Type: EventBatchComplete, Batch: b, Batches: total})
		},
		OnItemStart: func(_ int, f File) {
			emit(ProgressEvent{Type: EventFileStart, Path: f.Path})
		},
		OnItemComplete: func(_ int, f File, _ string) {
			tracker.Update(progress.Delta{Completed: 1})
			emit(ProgressEvent{Type: EventFileComplete, Path: f.Path})
		},
		OnItemError: func(_ int, f File, err error) {
			tracker.Update(progress.Delta{Failed: 1})
			emit(ProgressEvent{Type: EventFileError, Path: f.Path, Error: err.Error()})
		},
	}

	batchResult, err := batch.Process(ctx, job.Files, opts, func(ctx context.Context, _ int, f File) (string, error) {
		if err := u.uploadFile(ctx, job, f, emit); err != nil {
			return "", err
		}
		return f.Path, nil
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		TotalFiles:      len(job.Files),
		SuccessCount:    len(batchResult.Results),
		ErrorCount:      len(batchResult.Errors),
		SuccessfulFiles: batchResult.Results,
	}
	for _, itemErr := range batchResult.Errors {
		result.FailedFiles = append(result.FailedFiles, itemErr.Item.Path)
		result.Errors = append(result.Errors, FileError{Path: itemErr.Item.Path, Err: itemErr.Err})
	}

	tracker.Complete()
	emit(ProgressEvent{Type: EventUploadComplete, Result: result})

	u.log.Printf("upload %s finished: %d/%d files succeeded", jobId, result.SuccessCount, result.TotalFiles)
	return result, nil
}

func (u *Uploader) ensureRepository(ctx context.Context, job Job, emit func(ProgressEvent)) error {
	_, err := retry.Do(ctx, u.retryOptions(emit), func(ctx context.Context) (*githost.Repository, error) {
		return u.svc.GetRepository(ctx, job.Owner, job.Repo)
	})
	if err == nil {
		return nil
	}

	var notFound *githost.NotFoundError
	if !errors.As(err, &notFound) {
		return fmt.Errorf("check repository %s: %w", job.Repo, err)
	}
	if !job.CreateRepo {
		return fmt.Errorf("repository %s: %w", job.Repo, err)
	}

	emit(ProgressEvent{Type: EventRepositoryCreating})
	_, err = retry.Do(ctx, u.retryOptions(emit), func(ctx context.Context) (*githost.Repository, error) {
		return u.svc.CreateRepository(ctx, job.Repo, job.RepoOptions)
	})
	if err != nil {
		return fmt.Errorf("create repository %s: %w", job.Repo, err)
	}

	emit(ProgressEvent{Type: EventRepositoryCreated})
	return nil
}

// uploadFile writes one file with update-in-place semantics: fetch the
// current blob SHA if the file exists so the write is an update rather than
// a conflicting create.
func (u *Uploader) uploadFile(ctx context.Context, job Job, f File, emit func(ProgressEvent)) error {
	_, err := retry.Do(ctx, u.retryOptions(emit), func(ctx context.Context) (*githost.Contents, error) {
		sha := ""
		existing, err := u.svc.GetContents(ctx, job.Owner, job.Repo, f.Path, job.Branch)
		switch {
		case err == nil:
			sha = existing.SHA
		case !isNotFound(err):
			return nil, err
		}

		message := job.CommitMessage
		if message == "" {
			if sha != "" {
				message = "Update " + f.Path
			} else {
				message = "Add " + f.Path
			}
		}

		return u.svc.PutContents(ctx, job.Owner, job.Repo, f.Path, githost.PutContentsOptions{
			Message: message,
			Content: f.Content,
			SHA:     sha,
			Branch:  job.Branch,
		})
	})
	return err
}

func (u *Uploader) retryOptions(emit func(ProgressEvent)) retry.Options {
	opts := u.retry
	base := opts.OnRetry
	opts.OnRetry = func(err error, attempt int, delay time.Duration) {
		var rl *githost.RateLimitError
		if errors.As(err, &rl) {
			emit(ProgressEvent{Type: EventRateLimit, Error: rl.Error(), RetryIn: delay, Attempt: attempt})
		}
		u.log.Printf("retrying in %s (attempt %d): %v", delay, attempt, err)
		if base != nil {
			base(err, attempt, delay)
		}
	}
	return opts
}

func isNotFound(err error) bool {
	var notFound *githost.NotFoundError
	return errors.As(err, &notFound)
}
