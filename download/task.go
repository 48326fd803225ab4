package download

import (
	"errors"
	"time"

	"geekpaste/storage"
)

// Status is the lifecycle state of a download task.
type Status string

const (
	StatusPending     Status = storage.TaskStatusPending
	StatusDownloading Status = storage.TaskStatusDownloading
	StatusCompleted   Status = storage.TaskStatusCompleted
	StatusFailed      Status = storage.TaskStatusFailed
	StatusCancelled   Status = storage.TaskStatusCancelled
)

var (
	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("download: task not found")
	// ErrNotRetryable indicates Retry on a task that is neither failed nor cancelled.
	ErrNotRetryable = errors.New("download: task is not failed or cancelled")
	// ErrPinMismatch indicates the server presented a key other than the pinned one.
	ErrPinMismatch = errors.New("download: server public key does not match pin")
	// ErrUnexpectedStatus indicates an HTTP status other than 200 or 206.
	ErrUnexpectedStatus = errors.New("download: unexpected response status")
	// ErrIncomplete indicates the body ended before the announced size.
	ErrIncomplete = errors.New("download: transfer ended early")
	// ErrClosed indicates the manager was closed.
	ErrClosed = errors.New("download: manager closed")
)

// Task is a snapshot of one download.
type Task struct {
	ID              string
	FileName        string
	FileSize        int64
	SourceURL       string
	ProgressURL     string
	PinnedKey       string
	Status          Status
	DownloadedBytes int64
	TempPath        string
	SavedLocation   string
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active reports whether the task is queued or transferring.
func (t Task) Active() bool {
	return t.Status == StatusPending || t.Status == StatusDownloading
}

// TaskStore persists tasks across restarts.
type TaskStore interface {
	SaveDownloadTask(task storage.DownloadTask) error
	ListDownloadTasks() ([]storage.DownloadTask, error)
	DeleteDownloadTask(taskID string) error
}

func (t Task) record() storage.DownloadTask {
	return storage.DownloadTask{
		TaskID:          t.ID,
		FileName:        t.FileName,
		FileSize:        t.FileSize,
		SourceURL:       t.SourceURL,
		ProgressURL:     t.ProgressURL,
		PinnedKey:       t.PinnedKey,
		Status:          string(t.Status),
		DownloadedBytes: t.DownloadedBytes,
		TempPath:        t.TempPath,
		SavedLocation:   t.SavedLocation,
		Error:           t.Error,
		CreatedAt:       t.CreatedAt.UnixMilli(),
	}
}

func taskFromRecord(rec storage.DownloadTask) Task {
	return Task{
		ID:              rec.TaskID,
		FileName:        rec.FileName,
		FileSize:        rec.FileSize,
		SourceURL:       rec.SourceURL,
		ProgressURL:     rec.ProgressURL,
		PinnedKey:       rec.PinnedKey,
		Status:          Status(rec.Status),
		DownloadedBytes: rec.DownloadedBytes,
		TempPath:        rec.TempPath,
		SavedLocation:   rec.SavedLocation,
		Error:           rec.Error,
		CreatedAt:       time.UnixMilli(rec.CreatedAt),
		UpdatedAt:       time.UnixMilli(rec.UpdatedAt),
	}
}
