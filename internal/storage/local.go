package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local はローカルファイルシステム上のBlobストレージです。
// キーはルート配下の相対パスに対応します。書き込みは一時ファイルへ行い、
// fsync後にリネームすることで、Complete前の成果物が確実に永続化されるようにします。
type Local struct {
	root string
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key: %s", key)
	}
	return filepath.Join(l.root, clean), nil
}

// Put はBlobを書き込みます。既存キーへの書き込みは ErrExists で拒否します。
func (l *Local) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	abs, err := l.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := os.Stat(abs); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".put-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return 0, fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close blob %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		os.Remove(tmp.Name())
		tmp = nil
		return 0, fmt.Errorf("failed to commit blob %s: %w", key, err)
	}
	tmp = nil
	return n, nil
}

// Open はBlobをサイズ付きで開きます。
func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	abs, err := l.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	file, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("failed to open blob %s: %w", key, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat blob %s: %w", key, err)
	}
	return file, info.Size(), nil
}

// Exists はキーが存在するかを返します。
func (l *Local) Exists(_ context.Context, key string) bool {
	abs, err := l.resolve(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Remove はBlobを削除します。
func (l *Local) Remove(_ context.Context, key string) error {
	abs, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove blob %s: %w", key, err)
	}
	return nil
}
