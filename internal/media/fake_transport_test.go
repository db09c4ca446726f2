package media

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/any-hub/any-cache/internal/inflight"
	"github.com/any-hub/any-cache/internal/transport"
)

type fakeCall struct {
	url  *url.URL
	dir  string
	done transport.Callback
	once sync.Once
}

func (c *fakeCall) finish(resp *transport.Response, err error) {
	c.once.Do(func() { c.done(resp, err) })
}

// fakeTransport 记录请求；auto 为 true 时立即以 body 应答，否则由测试手动 respond。
type fakeTransport struct {
	mu    sync.Mutex
	calls []*fakeCall
	body  []byte
	mime  string
	err   error
	auto  bool
}

func (f *fakeTransport) Data(ctx context.Context, u *url.URL, priority transport.Priority, done transport.Callback) inflight.Task {
	return f.record(ctx, u, "", done)
}

func (f *fakeTransport) Download(ctx context.Context, u *url.URL, dir string, priority transport.Priority, done transport.Callback) inflight.Task {
	return f.record(ctx, u, dir, done)
}

func (f *fakeTransport) record(ctx context.Context, u *url.URL, dir string, done transport.Callback) inflight.Task {
	call := &fakeCall{url: u, dir: dir, done: done}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	auto := f.auto
	f.mu.Unlock()

	cancel := func() { call.finish(nil, transport.ErrCancelled) }
	context.AfterFunc(ctx, cancel)
	if auto {
		go f.respond(call)
	}
	return inflight.TaskFunc(cancel)
}

func (f *fakeTransport) respond(call *fakeCall) {
	f.mu.Lock()
	body, mime, failure := f.body, f.mime, f.err
	f.mu.Unlock()
	if failure != nil {
		call.finish(nil, failure)
		return
	}

	header := http.Header{}
	header.Set("Content-Type", mime)
	resp := &transport.Response{URL: call.url, StatusCode: http.StatusOK, Header: header, MIMEType: mime}
	if call.dir == "" {
		resp.Body = body
		call.finish(resp, nil)
		return
	}
	tmp, err := os.CreateTemp(call.dir, "download-*")
	if err != nil {
		call.finish(nil, err)
		return
	}
	_, err = tmp.Write(body)
	tmp.Close()
	if err != nil {
		call.finish(nil, err)
		return
	}
	resp.FilePath = tmp.Name()
	call.finish(resp, nil)
}

func (f *fakeTransport) respondAll() {
	f.mu.Lock()
	calls := append([]*fakeCall(nil), f.calls...)
	f.mu.Unlock()
	for _, call := range calls {
		f.respond(call)
	}
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
