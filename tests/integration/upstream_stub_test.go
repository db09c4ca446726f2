package integration

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// mediaUpstream 模拟上传仓库：按路径返回固定正文与 ETag，统计 GET/HEAD 次数。
type mediaUpstream struct {
	*httptest.Server

	mu       sync.Mutex
	objects  map[string]*stubObject
	gets     map[string]int
	heads    map[string]int
	requests []RecordedRequest
}

type stubObject struct {
	body     []byte
	mimeType string
	etag     string
}

// RecordedRequest 捕获每次请求的方法/路径/Headers，便于断言传输层行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
}

func newMediaUpstream(t *testing.T) *mediaUpstream {
	t.Helper()

	stub := &mediaUpstream{
		objects: make(map[string]*stubObject),
		gets:    make(map[string]int),
		heads:   make(map[string]int),
	}
	stub.Server = httptest.NewServer(http.HandlerFunc(stub.handle))
	t.Cleanup(stub.Close)
	return stub
}

// Put 注册或替换一个对象，ETag 随版本号变化。
func (s *mediaUpstream) Put(path string, body []byte, mimeType string, version int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = &stubObject{
		body:     append([]byte(nil), body...),
		mimeType: mimeType,
		etag:     fmt.Sprintf(`"v%d"`, version),
	}
	return s.URL + path
}

func (s *mediaUpstream) Gets(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[path]
}

func (s *mediaUpstream) Heads(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads[path]
}

func (s *mediaUpstream) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

func (s *mediaUpstream) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
	})
	switch r.Method {
	case http.MethodHead:
		s.heads[r.URL.Path]++
	default:
		s.gets[r.URL.Path]++
	}
	obj, ok := s.objects[r.URL.Path]
	var snapshot stubObject
	if ok {
		snapshot = *obj
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("ETag", snapshot.etag)
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, snapshot.etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", snapshot.mimeType)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = w.Write(snapshot.body)
}
