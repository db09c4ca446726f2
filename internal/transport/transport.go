package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/any-hub/any-cache/internal/inflight"
)

// Priority 是 0~1 的调度提示，<= PriorityLow 的请求进入后台池。
type Priority float64

const (
	PriorityLow     Priority = 0
	PriorityDefault Priority = 0.5
	PriorityHigh    Priority = 1
)

var (
	// ErrNotFound 表示远端资源不存在（404/410）。
	ErrNotFound = errors.New("remote resource does not exist")
	// ErrInvalidResponse 表示响应状态或正文不可用。
	ErrInvalidResponse = errors.New("invalid response")
	// ErrCancelled 复用 inflight 的取消标记，调用方据此静默丢弃结果。
	ErrCancelled = inflight.ErrCancelled
)

// Response 是一次成功请求的结果。Data 任务填充 Body，Download 任务填充 FilePath。
type Response struct {
	URL        *url.URL
	StatusCode int
	Header     http.Header
	MIMEType   string
	Body       []byte
	FilePath   string
}

// Callback 在任务终态时被调用一次。
type Callback func(*Response, error)

// Transport 抽象异步请求能力，便于测试注入。
type Transport interface {
	// Data 以 GET 拉取完整正文到内存。
	Data(ctx context.Context, u *url.URL, priority Priority, done Callback) inflight.Task
	// Download 以 GET 拉取正文并写入 dir 下的临时文件。
	Download(ctx context.Context, u *url.URL, dir string, priority Priority, done Callback) inflight.Task
}

// Options 控制 HTTPTransport 的并发与日志。
type Options struct {
	Client               *http.Client
	Logger               *logrus.Logger
	MaxConcurrent        int64
	MaxBackgroundFetches int64
	UserAgent            string
}

// HTTPTransport 基于共享 http.Client 实现 Transport。
type HTTPTransport struct {
	client     *http.Client
	logger     *logrus.Logger
	normal     *semaphore.Weighted
	background *semaphore.Weighted
	userAgent  string
}

// NewHTTPTransport 构造 HTTPTransport，未指定的并发上限回退到 6/2。
func NewHTTPTransport(opts Options) *HTTPTransport {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxNormal := opts.MaxConcurrent
	if maxNormal <= 0 {
		maxNormal = 6
	}
	maxBackground := opts.MaxBackgroundFetches
	if maxBackground <= 0 {
		maxBackground = 2
	}
	return &HTTPTransport{
		client:     client,
		logger:     logger,
		normal:     semaphore.NewWeighted(maxNormal),
		background: semaphore.NewWeighted(maxBackground),
		userAgent:  opts.UserAgent,
	}
}

func (t *HTTPTransport) Data(ctx context.Context, u *url.URL, priority Priority, done Callback) inflight.Task {
	return t.start(ctx, u, priority, done, func(resp *http.Response, out *Response) error {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(body) == 0 {
			return fmt.Errorf("%w: empty body", ErrInvalidResponse)
		}
		out.Body = body
		return nil
	})
}

func (t *HTTPTransport) Download(ctx context.Context, u *url.URL, dir string, priority Priority, done Callback) inflight.Task {
	return t.start(ctx, u, priority, done, func(resp *http.Response, out *Response) error {
		f, err := os.CreateTemp(dir, "download-*")
		if err != nil {
			return err
		}
		written, copyErr := io.Copy(f, resp.Body)
		closeErr := f.Close()
		if copyErr == nil {
			copyErr = closeErr
		}
		if copyErr == nil && written == 0 {
			copyErr = fmt.Errorf("%w: empty body", ErrInvalidResponse)
		}
		if copyErr != nil {
			os.Remove(f.Name())
			return copyErr
		}
		out.FilePath = f.Name()
		return nil
	})
}

func (t *HTTPTransport) start(ctx context.Context, u *url.URL, priority Priority, done Callback, consume func(*http.Response, *Response) error) inflight.Task {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		resp, err := t.execute(ctx, u, priority, consume)
		if err != nil && ctx.Err() != nil {
			err = ErrCancelled
		}
		done(resp, err)
	}()
	return inflight.TaskFunc(cancel)
}

func (t *HTTPTransport) execute(ctx context.Context, u *url.URL, priority Priority, consume func(*http.Response, *Response) error) (*Response, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidResponse)
	}
	pool := t.normal
	if priority <= PriorityLow {
		pool = t.background
	}
	if err := pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer pool.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logFailure(u, requestID, 0, err)
		return nil, err
	}
	defer resp.Body.Close()

	if err := StatusError(resp.StatusCode); err != nil {
		t.logFailure(u, requestID, resp.StatusCode, err)
		return nil, err
	}

	out := &Response{
		URL:        u,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		MIMEType:   MIMEType(resp.Header),
	}
	if err := consume(resp, out); err != nil {
		t.logFailure(u, requestID, resp.StatusCode, err)
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"action":     "transport_fetch",
		"url":        u.String(),
		"request_id": requestID,
		"status":     resp.StatusCode,
		"priority":   float64(priority),
	}).Debug("transport_completed")
	return out, nil
}

func (t *HTTPTransport) logFailure(u *url.URL, requestID string, status int, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	t.logger.WithError(err).WithFields(logrus.Fields{
		"action":     "transport_fetch",
		"url":        u.String(),
		"request_id": requestID,
		"status":     status,
	}).Warn("transport_failed")
}

// StatusError 将 HTTP 状态映射为错误分类；2xx 返回 nil。
func StatusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: status %d", ErrInvalidResponse, status)
	}
}

// MIMEType 从 Content-Type 中提取不含参数的媒体类型。
func MIMEType(header http.Header) string {
	raw := strings.TrimSpace(header.Get("Content-Type"))
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return raw
	}
	return mediaType
}
