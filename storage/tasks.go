package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const taskColumns = `task_id, file_name, file_size, source_url, progress_url, pinned_key, status,
	downloaded_bytes, temp_path, saved_location, error, created_at, updated_at`

// SaveDownloadTask inserts or replaces a task row.
func (s *Store) SaveDownloadTask(task DownloadTask) error {
	if task.TaskID == "" {
		return errors.New("task_id is required")
	}
	if task.FileName == "" {
		return errors.New("file_name is required")
	}
	if task.SourceURL == "" {
		return errors.New("source_url is required")
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	if err := validateTaskStatus(task.Status); err != nil {
		return err
	}
	now := nowUnixMilli()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO download_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			source_url = excluded.source_url,
			progress_url = excluded.progress_url,
			pinned_key = excluded.pinned_key,
			status = excluded.status,
			downloaded_bytes = excluded.downloaded_bytes,
			temp_path = excluded.temp_path,
			saved_location = excluded.saved_location,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		task.TaskID,
		task.FileName,
		task.FileSize,
		task.SourceURL,
		task.ProgressURL,
		task.PinnedKey,
		task.Status,
		task.DownloadedBytes,
		task.TempPath,
		task.SavedLocation,
		task.Error,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save download task %q: %w", task.TaskID, err)
	}
	return nil
}

// GetDownloadTask fetches one task by id.
func (s *Store) GetDownloadTask(taskID string) (*DownloadTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM download_tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get download task %q: %w", taskID, err)
	}
	return task, nil
}

// ListDownloadTasks returns every task, oldest first.
func (s *Store) ListDownloadTasks() ([]DownloadTask, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM download_tasks ORDER BY created_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("list download tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]DownloadTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download task row: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate download task rows: %w", err)
	}
	return tasks, nil
}

// DeleteDownloadTask removes a task. Deleting an unknown task is not an error.
func (s *Store) DeleteDownloadTask(taskID string) error {
	if _, err := s.db.Exec(`DELETE FROM download_tasks WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete download task %q: %w", taskID, err)
	}
	return nil
}

// PruneDownloadTasks deletes completed, failed and cancelled tasks last updated before cutoff (unix ms).
func (s *Store) PruneDownloadTasks(cutoff int64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM download_tasks WHERE status IN (?, ?, ?) AND updated_at < ?`,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune download tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune download tasks: %w", err)
	}
	return n, nil
}

func scanTask(row rowScanner) (*DownloadTask, error) {
	var task DownloadTask
	if err := row.Scan(
		&task.TaskID,
		&task.FileName,
		&task.FileSize,
		&task.SourceURL,
		&task.ProgressURL,
		&task.PinnedKey,
		&task.Status,
		&task.DownloadedBytes,
		&task.TempPath,
		&task.SavedLocation,
		&task.Error,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &task, nil
}
