package media

import (
	"errors"

	"github.com/any-hub/any-cache/internal/transport"
)

var (
	// ErrNotFound 表示远端或缓存中不存在该资源。
	ErrNotFound = transport.ErrNotFound
	// ErrInvalidOrEmptyURL 表示 URL 为空或无法解析。
	ErrInvalidOrEmptyURL = errors.New("invalid or empty url")
	// ErrInvalidCacheState 表示磁盘与索引不一致，或下载结果缺失。
	ErrInvalidCacheState = errors.New("invalid cache state")
	// ErrInvalidResponse 表示响应状态或正文不可用。
	ErrInvalidResponse = transport.ErrInvalidResponse
	// ErrDuplicateRequest 预留给拒绝重复请求的调用方，控制器自身总是合并。
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrFilesystem 表示 blob 落盘或移动失败。
	ErrFilesystem = errors.New("cache filesystem error")
	// ErrIndex 表示索引写入失败，底层错误只记录日志。
	ErrIndex = errors.New("cache index error")
	// ErrDeinit 表示控制器在请求完成前已关闭。
	ErrDeinit = errors.New("cache controller closed")
)
