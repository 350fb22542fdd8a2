package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager は一時ファイルの唯一の管理者です。
// パスはランダムなIDから作り、利用者のファイル名は使いません。
type Manager struct {
	dir      string
	registry *Registry
	now      func() time.Time
	logger   zerolog.Logger
}

// Option は Manager の設定を変更します。
type Option func(*Manager)

// WithClock は現在時刻の取得方法を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager は dir をファイル置き場とする Manager を作成します。
func NewManager(dir string, registry *Registry, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	m := &Manager{
		dir:      dir,
		registry: registry,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Store は r の内容を新しいIDで保存し、期限を now+TTL に設定します。
func (m *Manager) Store(ctx context.Context, r io.Reader, req StoreRequest) (*StoredFile, error) {
	if req.TTL <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	id := uuid.NewString()
	path := m.pathFor(id, req.Ext)

	size, err := writeFile(path, r, req.MaxBytes)
	if err != nil {
		return nil, err
	}
	return m.register(ctx, id, path, size, req)
}

// Adopt は作業ディレクトリ上のファイルを保存領域へ移して登録します。
func (m *Manager) Adopt(ctx context.Context, srcPath string, req StoreRequest) (*StoredFile, error) {
	if req.TTL <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	path := m.pathFor(id, req.Ext)

	if err := os.Rename(srcPath, path); err != nil {
		// 別デバイス間の移動はコピーで代替する
		if _, copyErr := copyInto(path, srcPath); copyErr != nil {
			return nil, fmt.Errorf("failed to move file into storage: %w", errors.Join(err, copyErr))
		}
		_ = os.Remove(srcPath)
	}
	return m.register(ctx, id, path, info.Size(), req)
}

func (m *Manager) register(ctx context.Context, id, path string, size int64, req StoreRequest) (*StoredFile, error) {
	now := m.now().UTC()
	f := &StoredFile{
		ID:          id,
		JobID:       req.JobID,
		Kind:        req.Kind,
		Path:        path,
		Size:        size,
		ContentType: req.ContentType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(req.TTL),
	}
	if err := m.registry.Insert(ctx, f); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to register stored file: %w", err)
	}
	return f, nil
}

// Stat は期限内のファイル情報を返します。
// 期限切れの判定は実ファイルの有無より先に行います。
func (m *Manager) Stat(ctx context.Context, id string) (*StoredFile, error) {
	f, err := m.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Expired(m.now()) {
		return nil, ErrExpired
	}
	if _, err := os.Stat(f.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Open は期限内のファイルを開きます。
func (m *Manager) Open(ctx context.Context, id string) (*os.File, *StoredFile, error) {
	f, err := m.registry.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if f.Expired(m.now()) {
		return nil, nil, ErrExpired
	}
	file, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return file, f, nil
}

// Read は期限内のファイルを全て読み込みます。
func (m *Manager) Read(ctx context.Context, id string) ([]byte, error) {
	file, _, err := m.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// Delete はファイルと登録を削除します。存在しなくても成功です。
func (m *Manager) Delete(ctx context.Context, id string) error {
	f, err := m.registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if err := removeFile(f.Path); err != nil {
		return err
	}
	_, err = m.registry.Delete(ctx, id)
	return err
}

// DeleteByJob はジョブに紐づく kind のファイルをすべて削除し、削除した数を返します。
// kind が空ならすべての種類が対象です。
func (m *Manager) DeleteByJob(ctx context.Context, jobID string, kind Kind) (int, error) {
	files, err := m.registry.ListByJob(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to list files of job %s: %w", jobID, err)
	}
	deleted := 0
	var errs []error
	for _, f := range files {
		if kind != "" && f.Kind != kind {
			continue
		}
		if err := m.Delete(ctx, f.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// Sweep は now 時点で期限切れのファイルを削除します。
// 実ファイルが無いのは成功扱いで、削除できなかったものはログに残して次へ進みます。
func (m *Manager) Sweep(ctx context.Context, now time.Time) (*SweepReport, error) {
	expired, err := m.registry.ListExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired files: %w", err)
	}

	report := &SweepReport{}
	for _, f := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := removeFile(f.Path); err != nil {
			report.Failed++
			m.logger.Error().Err(err).Str("file_id", f.ID).Str("job_id", f.JobID).Msg("failed to delete expired file")
			continue
		}
		deleted, err := m.registry.DeleteExpired(ctx, f.ID, now)
		if err != nil {
			report.Failed++
			m.logger.Error().Err(err).Str("file_id", f.ID).Str("job_id", f.JobID).Msg("failed to delete expired record")
			continue
		}
		if deleted {
			report.Deleted = append(report.Deleted, f)
		}
	}
	return report, nil
}

// SweepOrphans は台帳に無く olderThan より古いファイルを削除します。
func (m *Manager) SweepOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if _, err := m.registry.Get(ctx, fileID(entry.Name())); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		if err := removeFile(filepath.Join(m.dir, entry.Name())); err != nil {
			m.logger.Error().Err(err).Str("file", entry.Name()).Msg("failed to delete orphaned file")
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) pathFor(id, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(m.dir, id+filepath.Base(ext))
}

func fileID(name string) string {
	name = strings.TrimSuffix(name, ".part")
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func writeFile(path string, r io.Reader, maxBytes int64) (int64, error) {
	tmp := path + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, err
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

func copyInto(dst, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return writeFile(dst, in, 0)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
