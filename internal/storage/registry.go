package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Registry は保存ファイルの台帳を SQLite に保持します。
type Registry struct {
	db *sql.DB
}

// OpenRegistry は台帳を開き、スキーマを適用します。
func OpenRegistry(path string) (*Registry, error) {
	if path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create registry dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	// SQLite は書き込みが1本なので接続も1本にする
	db.SetMaxOpenConns(1)

	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return &Registry{db: db}, nil
}

// Close は台帳を閉じます。
func (r *Registry) Close() error {
	return r.db.Close()
}

// Insert はファイルを登録します。
func (r *Registry) Insert(ctx context.Context, f *StoredFile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stored_files (id, job_id, kind, path, size, content_type, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.JobID, string(f.Kind), f.Path, f.Size, f.ContentType,
		f.CreatedAt.UnixMilli(), f.ExpiresAt.UnixMilli(),
	)
	return err
}

// Get は ID に対応するファイルを返します。未登録なら ErrNotFound です。
func (r *Registry) Get(ctx context.Context, id string) (*StoredFile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, job_id, kind, path, size, content_type, created_at, expires_at
		 FROM stored_files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete は登録を削除します。未登録でもエラーにしません。
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM stored_files WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteExpired は now 時点で期限切れの場合だけ登録を削除します。
// 同時に複数の掃除が走っても true を受け取るのは1回だけです。
func (r *Registry) DeleteExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM stored_files WHERE id = ? AND expires_at <= ?`, id, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListExpired は now 時点で期限切れのファイルを期限の古い順に返します。
func (r *Registry) ListExpired(ctx context.Context, now time.Time) ([]StoredFile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, kind, path, size, content_type, created_at, expires_at
		 FROM stored_files WHERE expires_at <= ? ORDER BY expires_at, id`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []StoredFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// ListByJob はジョブに紐づくファイルを返します。
func (r *Registry) ListByJob(ctx context.Context, jobID string) ([]StoredFile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, kind, path, size, content_type, created_at, expires_at
		 FROM stored_files WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []StoredFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*StoredFile, error) {
	var (
		f                    StoredFile
		kind                 string
		createdAt, expiresAt int64
	)
	if err := row.Scan(&f.ID, &f.JobID, &kind, &f.Path, &f.Size, &f.ContentType, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	f.Kind = Kind(kind)
	f.CreatedAt = time.UnixMilli(createdAt).UTC()
	f.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &f, nil
}
