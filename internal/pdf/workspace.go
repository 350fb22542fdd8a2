package pdf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Workspace はジョブ1件分の作業ディレクトリです。
type Workspace struct {
	JobID string
	Dir   string
}

// NewWorkspace は root/<jobID> を作成します。
func NewWorkspace(root, jobID string) (*Workspace, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	dir := filepath.Join(root, jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}
	return &Workspace{JobID: jobID, Dir: dir}, nil
}

// Path は作業ディレクトリ内のパスを返します。
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Remove は作業ディレクトリを削除します。存在しない場合も成功です。
func (w *Workspace) Remove() error {
	if w == nil {
		return nil
	}
	return removeDir(w.Dir)
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
