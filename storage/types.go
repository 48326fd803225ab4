package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	TaskStatusPending     = "pending"
	TaskStatusDownloading = "downloading"
	TaskStatusCompleted   = "completed"
	TaskStatusFailed      = "failed"
	TaskStatusCancelled   = "cancelled"
)

// Device is a remote device the session manager has connected to before.
type Device struct {
	Address         string
	Name            string
	Bonded          bool
	PinnedPublicKey string
	AddedAt         int64
	LastSeenAt      *int64
}

// DownloadTask is the persisted form of one downloader task.
type DownloadTask struct {
	TaskID          string
	FileName        string
	FileSize        int64
	SourceURL       string
	ProgressURL     string
	PinnedKey       string
	Status          string
	DownloadedBytes int64
	TempPath        string
	SavedLocation   string
	Error           string
	CreatedAt       int64
	UpdatedAt       int64
}

func validateTaskStatus(status string) error {
	switch status {
	case TaskStatusPending, TaskStatusDownloading, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid task status %q", status)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func requireAffected(res sql.Result, action string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s: %w", action, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
