package cacheindex

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLinkCreatesItemAndGroup(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	if err := ix.Link(ctx, "article:Go", "upload.example.org__Gopher.png", 220); err != nil {
		t.Fatalf("link: %v", err)
	}
	found, err := ix.HasItem(ctx, "upload.example.org__Gopher.png", 220)
	if err != nil || !found {
		t.Fatalf("expected item to exist, found=%v err=%v", found, err)
	}
	if found, _ := ix.HasItem(ctx, "upload.example.org__Gopher.png", 0); found {
		t.Fatalf("不同 variant 应是独立记录")
	}

	groups, err := ix.ItemGroups(ctx, "upload.example.org__Gopher.png", 220)
	if err != nil {
		t.Fatalf("item groups: %v", err)
	}
	if diff := cmp.Diff([]string{"article:Go"}, groups); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentLinksProduceSingleRow(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ix.Link(ctx, "article:Go", "upload.example.org__Gopher.png", 0); err != nil {
				t.Errorf("link: %v", err)
			}
		}()
	}
	wg.Wait()

	stats, err := ix.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Items != 1 || stats.Groups != 1 {
		t.Fatalf("expected 1 item / 1 group, got %+v", stats)
	}
}

func TestRemoveGroupCascadesBySharedMembership(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	mustLink(t, ix, "A", "shared", 0)
	mustLink(t, ix, "B", "shared", 0)
	mustLink(t, ix, "A", "only-a", 0)

	removed, err := ix.RemoveGroup(ctx, "A")
	if err != nil {
		t.Fatalf("remove A: %v", err)
	}
	if diff := cmp.Diff([]ItemRef{{Key: "only-a", Variant: 0}}, removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
	if found, _ := ix.HasItem(ctx, "shared", 0); !found {
		t.Fatalf("仍被 B 引用的 item 不应删除")
	}

	removed, err = ix.RemoveGroup(ctx, "B")
	if err != nil {
		t.Fatalf("remove B: %v", err)
	}
	if diff := cmp.Diff([]ItemRef{{Key: "shared", Variant: 0}}, removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}

	stats, _ := ix.Stats(ctx)
	if stats.Items != 0 || stats.Groups != 0 {
		t.Fatalf("expected empty index, got %+v", stats)
	}
}

func TestRemoveMissingGroupIsNoop(t *testing.T) {
	ix := newTestIndex(t)
	removed, err := ix.RemoveGroup(context.Background(), "missing")
	if err != nil {
		t.Fatalf("不存在的 group 不应报错: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("expected nothing removed, got %v", removed)
	}
}

func TestLinkExistingOnlyLinksKnownItems(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	linked, err := ix.LinkExisting(ctx, "A", "unknown", 0)
	if err != nil || linked {
		t.Fatalf("unknown item must not be linked, linked=%v err=%v", linked, err)
	}
	stats, _ := ix.Stats(ctx)
	if stats.Groups != 0 {
		t.Fatalf("未命中时不应创建 group, got %+v", stats)
	}

	created, err := ix.InsertItem(ctx, "known", 0)
	if err != nil || !created {
		t.Fatalf("insert: created=%v err=%v", created, err)
	}
	if created, _ := ix.InsertItem(ctx, "known", 0); created {
		t.Fatalf("重复插入应返回 false")
	}
	linked, err = ix.LinkExisting(ctx, "A", "known", 0)
	if err != nil || !linked {
		t.Fatalf("known item should link, linked=%v err=%v", linked, err)
	}
}

func TestDeleteItemsAndItems(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	mustLink(t, ix, "A", "one", 0)
	mustLink(t, ix, "A", "two", 120)

	refs, err := ix.Items(ctx)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 items, got %v", refs)
	}

	if err := ix.DeleteItems(ctx, []ItemRef{{Key: "two", Variant: 120}, {Key: "ghost", Variant: 0}}); err != nil {
		t.Fatalf("delete items: %v", err)
	}
	refs, _ = ix.Items(ctx)
	if diff := cmp.Diff([]ItemRef{{Key: "one", Variant: 0}}, refs); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestDoAfterCloseFails(t *testing.T) {
	ix, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ix.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := ix.HasItem(context.Background(), "x", 0); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func mustLink(t *testing.T, ix *Index, group, key string, variant int64) {
	t.Helper()
	if err := ix.Link(context.Background(), group, key, variant); err != nil {
		t.Fatalf("link %s/%s: %v", group, key, err)
	}
}

func TestRemoveGroupWithPurgesAfterCommit(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	mustLink(t, ix, "A", "one", 0)
	mustLink(t, ix, "A", "two", 120)

	var purged []ItemRef
	removed, err := ix.RemoveGroupWith(ctx, "A", func(ref ItemRef) {
		purged = append(purged, ref)
	})
	if err != nil {
		t.Fatalf("remove A: %v", err)
	}
	if diff := cmp.Diff(removed, purged); diff != "" {
		t.Fatalf("purge 回调应覆盖所有被删除的 item (-removed +purged):\n%s", diff)
	}
	if len(purged) != 2 {
		t.Fatalf("expected 2 purged items, got %v", purged)
	}
}
