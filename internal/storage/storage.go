// Package storage はBlobストレージの抽象化レイヤーを提供します。
package storage

import (
	"context"
	"errors"
	"io"
)

const (
	// RawPrefix はアップロードされた元動画のキー接頭辞です。
	RawPrefix = "raw"
	// OutputPrefix はワーカーが生成した成果物のキー接頭辞です。
	OutputPrefix = "out"
)

var (
	// ErrNotFound は指定キーのBlobが存在しないことを示します。
	ErrNotFound = errors.New("storage: blob not found")

	// ErrExists は既存キーへの書き込みを示します。
	// Blobは不変で、一度書かれたキーは上書きされません。
	ErrExists = errors.New("storage: blob already exists")
)

// Storage はキーでアドレスされる不変のバイト列を保存します。
type Storage interface {
	// Put はBlobを新しいキーで書き込み、書き込んだバイト数を返します。
	// キーが既に存在する場合は ErrExists を返します。
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Open はBlobをサイズ付きで読み取り用に開きます。
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Exists はキーが存在するかを返します。
	Exists(ctx context.Context, key string) bool
	// Remove はBlobを削除します。存在しないキーはエラーになりません。
	Remove(ctx context.Context, key string) error
}
