package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/inflight"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/transport"
)

// Fetch 通过网络拉取 rawURL。同一 identifier 的并发请求合并到一个传输任务，
// 结果分发给每个等待者；任务被取消时不调用任何回调。成功结果写入会话层与内存层。
func (c *Controller) Fetch(ctx context.Context, rawURL string, priority transport.Priority, onFailure func(error), onSuccess func(*Object)) CancelFunc {
	ref, err := cachekey.Resolve(rawURL)
	if err != nil {
		callFailure(onFailure, ErrInvalidOrEmptyURL)
		return noopCancel
	}
	if c.closed.Load() {
		callFailure(onFailure, ErrDeinit)
		return noopCancel
	}

	return c.fetch(ctx, rawURL, ref, priority, inflight.Completion[*Object]{
		OnSuccess: onSuccess,
		OnFailure: onFailure,
	})
}

// FetchWait 是 Fetch 的阻塞版本。ctx 结束时撤销注册并返回 ctx.Err()；
// 任务被取消时返回 transport.ErrCancelled。
func (c *Controller) FetchWait(ctx context.Context, rawURL string, priority transport.Priority) (*Object, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ref, err := cachekey.Resolve(rawURL)
	if err != nil {
		return nil, ErrInvalidOrEmptyURL
	}
	if c.closed.Load() {
		return nil, ErrDeinit
	}
	type result struct {
		obj *Object
		err error
	}
	done := make(chan result, 1)
	cancel := c.fetch(ctx, rawURL, ref, priority, inflight.Completion[*Object]{
		OnSuccess: func(obj *Object) { done <- result{obj: obj} },
		OnFailure: func(err error) { done <- result{err: err} },
		OnCancel:  func() { done <- result{err: transport.ErrCancelled} },
	})
	select {
	case r := <-done:
		return r.obj, r.err
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (c *Controller) fetch(ctx context.Context, rawURL string, ref cachekey.Ref, priority transport.Priority, completion inflight.Completion[*Object]) CancelFunc {
	started := false
	leave := c.fetches.Join(ref.Identifier, "", completion, func(resolve inflight.Resolver[*Object]) inflight.Task {
		started = true
		c.metrics.FetchStarted()
		return c.transport.Data(c.ctx, cachekey.WithScheme(ref.URL), priority, func(resp *transport.Response, err error) {
			if err != nil {
				c.finishFetch(ref, err)
				resolve(nil, err)
				return
			}
			obj := &Object{
				Identifier: ref.Identifier,
				Key:        ref.Key,
				Variant:    ref.Variant,
				Data:       resp.Body,
				MIMEType:   resp.MIMEType,
			}
			c.session.StoreResponse(rawURL, resp.Header, resp.Body, resp.MIMEType)
			c.remember(obj)
			c.finishFetch(ref, nil)
			resolve(obj, nil)
		})
	})
	if !started {
		c.metrics.FetchJoined()
	}
	return bindContext(ctx, leave)
}

func (c *Controller) finishFetch(ref cachekey.Ref, err error) {
	switch {
	case err == nil:
		c.metrics.FetchFinished("success")
	case errors.Is(err, transport.ErrCancelled):
		c.metrics.FetchFinished("cancelled")
	default:
		c.metrics.FetchFinished("failure")
		c.logger.WithError(err).WithFields(logging.CacheFields("fetch", ref.Identifier, "", "")).Warn("fetch_failed")
	}
}

// FetchImage 在 Fetch 的基础上解码图片（JPEG/PNG/GIF），无法解码时以 ErrInvalidResponse 失败。
func (c *Controller) FetchImage(ctx context.Context, rawURL string, priority transport.Priority, onFailure func(error), onSuccess func(image.Image, *Object)) CancelFunc {
	return c.Fetch(ctx, rawURL, priority, onFailure, func(obj *Object) {
		img, err := DecodeImage(obj.Data)
		if err != nil {
			callFailure(onFailure, err)
			return
		}
		if onSuccess != nil {
			onSuccess(img, obj)
		}
	})
}

// DecodeImage 解码已注册格式的图片。
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return img, nil
}

// Prefetch 以最低优先级预取 rawURL，失败被忽略；done 在结束时调用。已缓存时立即返回。
func (c *Controller) Prefetch(rawURL string, done func()) CancelFunc {
	finish := func() {
		if done != nil {
			done()
		}
	}
	if _, ok := c.Lookup(rawURL); ok {
		finish()
		return noopCancel
	}
	return c.Fetch(context.Background(), rawURL, transport.PriorityLow, func(error) { finish() }, func(*Object) { finish() })
}

// CascadingFetch 先交付缓存中的占位内容（如低分辨率缩略图），再拉取主内容。
// 主内容已缓存时直接交付，不再处理占位内容。
func (c *Controller) CascadingFetch(ctx context.Context, mainURL, placeholderURL string, onPlaceholder func(*Object), onMain func(*Object), onFailure func(error)) CancelFunc {
	if obj, ok := c.Lookup(mainURL); ok {
		if onMain != nil {
			onMain(obj)
		}
		return noopCancel
	}
	if placeholderURL != "" && onPlaceholder != nil {
		if obj, ok := c.Lookup(placeholderURL); ok {
			onPlaceholder(obj)
		}
	}
	return c.Fetch(ctx, mainURL, transport.PriorityHigh, onFailure, onMain)
}

func callFailure(onFailure func(error), err error) {
	if onFailure != nil {
		onFailure(err)
	}
}
