package kb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
	"github.com/matiasleandrokruk/ragd/pkg/uuid"
)

// AddFile inserts a new FileEntity in status=pending.
func (s *Store) AddFile(ctx context.Context, f FileEntity) (FileEntity, error) {
	now := time.Now().UTC()
	f.ID = uuid.NewV7().String()
	f.Status = StatusPending
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, kb_id, file_name, file_path, file_size, content_type, status,
			chunk_count, failed_reason, last_mtime_unix, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,0,NULL,?,?,?)`,
		f.ID, f.KBID, f.FileName, f.FilePath, f.FileSize, f.ContentType, string(f.Status),
		f.LastMtime.Unix(), now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return FileEntity{}, fmt.Errorf("kb store: add file: %w", err)
	}
	return f, nil
}

// UpdateFileStatus transitions a file's status, recording chunk_count and
// failed_reason where relevant.
func (s *Store) UpdateFileStatus(ctx context.Context, id string, status FileStatus, chunkCount int, failedReason string) error {
	now := time.Now().UTC()
	var reason sql.NullString
	if failedReason != "" {
		reason = sql.NullString{String: failedReason, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET status = ?, chunk_count = ?, failed_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), chunkCount, reason, now.Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("kb store: update file status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &knowledge.NotFoundError{Msg: fmt.Sprintf("file %q not found", id)}
	}
	return nil
}

// GetFile fetches a single file by id.
func (s *Store) GetFile(ctx context.Context, id string) (FileEntity, error) {
	row := s.db.QueryRowContext(ctx, fileSelectColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileEntity{}, &knowledge.NotFoundError{Msg: fmt.Sprintf("file %q not found", id)}
	}
	if err != nil {
		return FileEntity{}, fmt.Errorf("kb store: get file: %w", err)
	}
	return f, nil
}

// FileFilter narrows ListFiles by status and a file-name substring.
type FileFilter struct {
	Status FileStatus
	Query  string
}

// ListFiles returns a page of files for a KB, most recently created first.
func (s *Store) ListFiles(ctx context.Context, kbID string, filter FileFilter, page, size int) (Page[FileEntity], error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	where := `WHERE kb_id = ?`
	args := []any{kbID}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Query != "" {
		where += ` AND file_name LIKE ?`
		args = append(args, "%"+filter.Query+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files `+where, args...).Scan(&total); err != nil {
		return Page[FileEntity]{}, fmt.Errorf("kb store: count files: %w", err)
	}

	args = append(args, size, (page-1)*size)
	rows, err := s.db.QueryContext(ctx, fileSelectColumns+` FROM files `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return Page[FileEntity]{}, fmt.Errorf("kb store: list files: %w", err)
	}
	defer rows.Close()

	var items []FileEntity
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return Page[FileEntity]{}, fmt.Errorf("kb store: scan file: %w", err)
		}
		items = append(items, f)
	}

	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	return Page[FileEntity]{Items: items, Total: total, Pages: pages}, nil
}

// DeleteFile removes a single file row.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("kb store: delete file: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &knowledge.NotFoundError{Msg: fmt.Sprintf("file %q not found", id)}
	}
	return nil
}

const fileSelectColumns = `SELECT
	id, kb_id, file_name, file_path, file_size, content_type, status,
	chunk_count, failed_reason, last_mtime_unix, created_at, updated_at`

func scanFile(row rowScanner) (FileEntity, error) {
	var f FileEntity
	var status string
	var failedReason sql.NullString
	var lastMtimeUnix int64
	var createdAt, updatedAt string

	err := row.Scan(
		&f.ID, &f.KBID, &f.FileName, &f.FilePath, &f.FileSize, &f.ContentType, &status,
		&f.ChunkCount, &failedReason, &lastMtimeUnix, &createdAt, &updatedAt,
	)
	if err != nil {
		return FileEntity{}, err
	}

	f.Status = FileStatus(status)
	f.FailedReason = failedReason.String
	f.LastMtime = time.Unix(lastMtimeUnix, 0).UTC()
	f.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	f.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return f, nil
}
