package integration

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/any-hub/any-cache/internal/cache"
)

func TestCacheWriteCleanupOnInterruptedStream(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := cache.NewStore(tmpDir)
	if err != nil {
		t.Fatalf("store init error: %v", err)
	}

	identifier := "upload.example.org__Interrupted.jpg__0"
	reader := &flakyReader{
		payload:   []byte("partial_data"),
		failAfter: 5,
	}

	if _, err := store.Put(context.Background(), identifier, reader, cache.PutOptions{}); err == nil {
		t.Fatalf("expected error from interrupted reader")
	}

	if _, err := os.Stat(store.Path(identifier)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no final file, got err=%v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(store.TempDir(), "put-*"))
	if len(matches) != 0 {
		t.Fatalf("temporary files should be cleaned up, found %v", matches)
	}
	if store.Exists(identifier) {
		t.Fatalf("interrupted write must not be visible")
	}
}

type flakyReader struct {
	payload   []byte
	failAfter int
	readBytes int
}

func (f *flakyReader) Read(p []byte) (int, error) {
	if f.readBytes >= f.failAfter {
		return 0, io.ErrUnexpectedEOF
	}
	remaining := f.failAfter - f.readBytes
	if remaining > len(p) {
		remaining = len(p)
	}
	copy(p[:remaining], f.payload[f.readBytes:f.readBytes+remaining])
	f.readBytes += remaining
	return remaining, nil
}
