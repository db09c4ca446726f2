package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责永久缓存目录中 blob 的读写。磁盘布局遵循：
//
//	<Dir>/<escaped identifier>          # 正文
//	<Dir>/.tmp/                         # 下载/写入中的临时文件
//
// MIME 类型保存在正文文件的扩展属性中。
type Store interface {
	// Dir 返回永久缓存根目录。
	Dir() string

	// TempDir 返回与根目录同一文件系统的临时目录，供下载落盘后 Move 使用。
	TempDir() string

	// Path 返回 identifier 对应的正文文件路径（即 permanentCacheFileURL）。
	Path(identifier string) string

	// Exists 判断 identifier 的正文是否已经落盘。
	Exists(identifier string) bool

	// Read 读取正文与 MIME；不存在时返回 ErrNotFound。
	Read(identifier string) (*TypedData, error)

	// Put 将 body 写入缓存，实现需通过临时文件 + rename 保证原子性。
	Put(ctx context.Context, identifier string, body io.Reader, opts PutOptions) (*Entry, error)

	// Move 将已下载的临时文件移动到 identifier 对应位置。目标已存在时视为成功，
	// 并删除源文件。
	Move(identifier, srcPath string, opts PutOptions) (*Entry, error)

	// Remove 删除正文及其 MIME 元数据，不存在时不报错。
	Remove(identifier string) error

	// Prune 遍历根目录下的正文文件（忽略目录与隐藏文件），删除 keep 返回 false 的文件，
	// 返回删除数量。
	Prune(keep func(fileName string) bool) (int, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	MIMEType string
	ModTime  time.Time
}

// Entry 描述一次落盘结果。
type Entry struct {
	Identifier string    `json:"identifier"`
	FilePath   string    `json:"file_path"`
	SizeBytes  int64     `json:"size_bytes"`
	MIMEType   string    `json:"mime_type,omitempty"`
	ModTime    time.Time `json:"mod_time"`
	// Existed 为 true 表示目标在写入前已存在（幂等写入）。
	Existed bool `json:"existed"`
}

// TypedData 组合正文与声明的 MIME 类型。
type TypedData struct {
	Data     []byte
	MIMEType string
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
