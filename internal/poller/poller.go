package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/metrics"
	"github.com/any-hub/any-cache/internal/transport"
)

const (
	// DefaultMaxAttempts 是 maxAttempts <= 0 时使用的尝试次数。
	DefaultMaxAttempts = 5
	// DefaultBaseDelay 是第一次重试前的等待时间，之后逐次翻倍。
	DefaultBaseDelay = 250 * time.Millisecond
)

var (
	// ErrTimedOut 表示用尽尝试次数仍未检测到变化。
	ErrTimedOut = errors.New("timed out waiting for change")
	// ErrNotFound 表示资源返回 404。
	ErrNotFound = transport.ErrNotFound
	// ErrUnexpectedResponse 表示 200/304/404 以外的状态码。
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// CancelKey 标识一次轮询，用于取消。
type CancelKey string

// Completion 在轮询终态时调用其一且仅一次；被取消的轮询不调用。
type Completion struct {
	OnSuccess func(etag string)
	OnFailure func(error)
}

// Doer 是发起 HTTP 请求的最小接口，*http.Client 满足该接口。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 配置 Poller。After 可替换以在测试中跳过真实等待。
type Options struct {
	Client             Doer
	Logger             *logrus.Logger
	Metrics            *metrics.Metrics
	DefaultMaxAttempts int
	BaseDelay          time.Duration
	After              func(time.Duration) <-chan time.Time
}

// Poller 管理并发进行的轮询。
type Poller struct {
	client     Doer
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	maxDefault int
	baseDelay  time.Duration
	after      func(time.Duration) <-chan time.Time

	mu    sync.Mutex
	polls map[CancelKey]context.CancelFunc
}

// New 构造 Poller。
func New(opts Options) *Poller {
	p := &Poller{
		client:     opts.Client,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		maxDefault: opts.DefaultMaxAttempts,
		baseDelay:  opts.BaseDelay,
		after:      opts.After,
		polls:      make(map[CancelKey]context.CancelFunc),
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.logger == nil {
		p.logger = logrus.StandardLogger()
	}
	if p.maxDefault <= 0 {
		p.maxDefault = DefaultMaxAttempts
	}
	if p.baseDelay <= 0 {
		p.baseDelay = DefaultBaseDelay
	}
	if p.after == nil {
		p.after = time.After
	}
	return p
}

// WaitForChange 开始轮询 rawURL，直到其 ETag 不同于 knownTag。
// maxAttempts <= 0 时使用默认值。返回的 CancelKey 可用于 Cancel。
func (p *Poller) WaitForChange(rawURL, knownTag string, maxAttempts int, completion Completion) CancelKey {
	if maxAttempts <= 0 {
		maxAttempts = p.maxDefault
	}
	key := CancelKey(uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.polls[key] = cancel
	p.mu.Unlock()

	go p.run(ctx, key, rawURL, NormalizeTag(knownTag), maxAttempts, completion)
	return key
}

// Wait 是 WaitForChange 的阻塞版本；ctx 结束视为取消并返回 ctx.Err()。
func (p *Poller) Wait(ctx context.Context, rawURL, knownTag string, maxAttempts int) (string, error) {
	type result struct {
		tag string
		err error
	}
	done := make(chan result, 1)
	key := p.WaitForChange(rawURL, knownTag, maxAttempts, Completion{
		OnSuccess: func(tag string) { done <- result{tag: tag} },
		OnFailure: func(err error) { done <- result{err: err} },
	})
	select {
	case r := <-done:
		return r.tag, r.err
	case <-ctx.Done():
		p.Cancel(key)
		return "", ctx.Err()
	}
}

// Cancel 取消轮询，挂起的重试与完成回调都不再执行。
func (p *Poller) Cancel(key CancelKey) bool {
	p.mu.Lock()
	cancel, ok := p.polls[key]
	delete(p.polls, key)
	p.mu.Unlock()
	if ok {
		cancel()
		p.metrics.PollFinished("cancelled")
	}
	return ok
}

// CancelAll 取消全部轮询。
func (p *Poller) CancelAll() {
	p.mu.Lock()
	polls := p.polls
	p.polls = make(map[CancelKey]context.CancelFunc)
	p.mu.Unlock()
	for range polls {
		p.metrics.PollFinished("cancelled")
	}
	for _, cancel := range polls {
		cancel()
	}
}

// Active 返回进行中的轮询数量。
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.polls)
}

func (p *Poller) run(ctx context.Context, key CancelKey, rawURL, knownTag string, maxAttempts int, completion Completion) {
	for attempt := 0; ; attempt++ {
		tag, changed, err := p.check(ctx, rawURL, knownTag)
		if ctx.Err() != nil {
			return
		}
		fields := logging.PollFields("wait_for_change", rawURL, attempt+1)
		if err != nil {
			p.logger.WithError(err).WithFields(fields).Warn("poll_failed")
			p.finish(key, "failed", func() {
				if completion.OnFailure != nil {
					completion.OnFailure(err)
				}
			})
			return
		}
		if changed {
			p.logger.WithFields(fields).WithField("etag", tag).Debug("poll_changed")
			p.finish(key, "succeeded", func() {
				if completion.OnSuccess != nil {
					completion.OnSuccess(tag)
				}
			})
			return
		}
		if attempt+1 >= maxAttempts {
			p.logger.WithFields(fields).Debug("poll_timed_out")
			p.finish(key, "timed_out", func() {
				if completion.OnFailure != nil {
					completion.OnFailure(ErrTimedOut)
				}
			})
			return
		}
		select {
		case <-p.after(p.Delay(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

// Delay 返回第 attempt 次（从 0 开始）尝试后的等待时间：base * 2^attempt。
func (p *Poller) Delay(attempt int) time.Duration {
	return p.baseDelay << uint(attempt)
}

// finish 只有在轮询仍登记时才执行回调，保证与 Cancel 互斥且只触发一次。
func (p *Poller) finish(key CancelKey, outcome string, deliver func()) {
	p.mu.Lock()
	cancel, ok := p.polls[key]
	delete(p.polls, key)
	p.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	p.metrics.PollFinished(outcome)
	deliver()
}

// check 发起一次条件 HEAD 请求，返回 (新 tag, 是否变化, 错误)。
func (p *Poller) check(ctx context.Context, rawURL, knownTag string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", false, err
	}
	if knownTag != "" {
		req.Header.Set("If-None-Match", QuoteTag(knownTag))
	}
	req.Header.Set("Cache-Control", "no-cache")
	p.metrics.PollAttempt()

	resp, err := p.client.Do(req)
	if err != nil {
		return "", false, err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return "", false, nil
	case http.StatusOK:
		tag := NormalizeTag(resp.Header.Get("ETag"))
		if tag == "" || tag == knownTag {
			return "", false, nil
		}
		return tag, true, nil
	case http.StatusNotFound:
		return "", false, ErrNotFound
	default:
		return "", false, fmt.Errorf("%w: status %d", ErrUnexpectedResponse, resp.StatusCode)
	}
}

// NormalizeTag 去除首尾空白与包裹的双引号；W/ 弱校验前缀原样保留。
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if len(tag) >= 2 && strings.HasPrefix(tag, `"`) && strings.HasSuffix(tag, `"`) {
		tag = tag[1 : len(tag)-1]
	}
	return tag
}

// QuoteTag 把规范化后的 tag 还原为请求头格式。
func QuoteTag(tag string) string {
	if strings.HasPrefix(tag, "W/") || strings.HasPrefix(tag, `"`) {
		return tag
	}
	return `"` + tag + `"`
}
