package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// maxFileNameLen 超过该长度的文件名改用 sha256，避免触发文件系统的 255 字节限制。
const maxFileNameLen = 200

const tempDirName = ".tmp"

// NewStore 以 basePath 为根目录构建永久缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(abs, tempDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 identifier 并发写入。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Dir() string {
	return s.basePath
}

func (s *fileStore) TempDir() string {
	return filepath.Join(s.basePath, tempDirName)
}

func (s *fileStore) Path(identifier string) string {
	return filepath.Join(s.basePath, FileName(identifier))
}

func (s *fileStore) Exists(identifier string) bool {
	info, err := os.Stat(s.Path(identifier))
	return err == nil && !info.IsDir()
}

func (s *fileStore) Read(identifier string) (*TypedData, error) {
	filePath := s.Path(identifier)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &TypedData{
		Data:     data,
		MIMEType: readMIMEType(filePath),
	}, nil
}

func (s *fileStore) Put(ctx context.Context, identifier string, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock := s.lockEntry(identifier)
	defer unlock()

	filePath := s.Path(identifier)

	tempFile, err := os.CreateTemp(s.TempDir(), "put-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	return s.finishEntry(identifier, filePath, written, opts)
}

func (s *fileStore) Move(identifier, srcPath string, opts PutOptions) (*Entry, error) {
	unlock := s.lockEntry(identifier)
	defer unlock()

	filePath := s.Path(identifier)
	if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
		// 其他请求已抢先写入，丢弃本次下载。
		_ = os.Remove(srcPath)
		return &Entry{
			Identifier: identifier,
			FilePath:   filePath,
			SizeBytes:  info.Size(),
			MIMEType:   readMIMEType(filePath),
			ModTime:    info.ModTime(),
			Existed:    true,
		}, nil
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(srcPath, filePath); err != nil {
		return nil, err
	}
	return s.finishEntry(identifier, filePath, info.Size(), opts)
}

func (s *fileStore) Remove(identifier string) error {
	unlock := s.lockEntry(identifier)
	defer unlock()

	filePath := s.Path(identifier)
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(sidecarPath(filePath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Prune(keep func(fileName string) bool) (int, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || keep(name) {
			continue
		}
		filePath := filepath.Join(s.basePath, name)
		if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		_ = os.Remove(sidecarPath(filePath))
		removed++
	}
	return removed, nil
}

func (s *fileStore) finishEntry(identifier, filePath string, size int64, opts PutOptions) (*Entry, error) {
	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}
	if opts.MIMEType != "" {
		if err := writeMIMEType(filePath, opts.MIMEType); err != nil {
			return nil, err
		}
	}
	return &Entry{
		Identifier: identifier,
		FilePath:   filePath,
		SizeBytes:  size,
		MIMEType:   opts.MIMEType,
		ModTime:    modTime,
	}, nil
}

func (s *fileStore) lockEntry(identifier string) func() {
	s.mu.Lock()
	lock := s.locks[identifier]
	if lock == nil {
		lock = &entryLock{}
		s.locks[identifier] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, identifier)
		}
		s.mu.Unlock()
	}
}

// FileName 将 identifier 映射为单层文件名；结果只依赖 identifier 本身。
func FileName(identifier string) string {
	escaped := url.PathEscape(identifier)
	if len(escaped) <= maxFileNameLen && escaped != "" && escaped[0] != '.' {
		return escaped
	}
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
