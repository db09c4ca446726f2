package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/logging"
)

// legacyMIMESuffix 是旧缓存目录中记录 MIME 的旁路文件后缀。
const legacyMIMESuffix = ".mime"

// ImportLegacy 把旧版缓存目录迁移到永久层。旧目录中每个文件名是转义后的 URL，
// 可选的 "<name>.mime" 文件记录其 MIME。已存在的 item 只删除旧文件。
// 返回导入数量；groupKey 为空时只写入 item。
func (c *Controller) ImportLegacy(ctx context.Context, legacyDir, groupKey string) (int, error) {
	if legacyDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(legacyDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read legacy dir: %v", ErrFilesystem, err)
	}

	imported := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return imported, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, legacyMIMESuffix) {
			continue
		}
		ok, err := c.importLegacyFile(ctx, legacyDir, name, groupKey)
		if err != nil {
			return imported, err
		}
		if ok {
			imported++
		}
	}

	// 目录清空后一并删除，非空时保留。
	_ = os.Remove(legacyDir)
	c.logger.WithFields(logrus.Fields{
		"action":   "import_legacy",
		"path":     legacyDir,
		"group":    groupKey,
		"imported": imported,
	}).Info("legacy_cache_imported")
	return imported, nil
}

func (c *Controller) importLegacyFile(ctx context.Context, dir, name, groupKey string) (bool, error) {
	filePath := filepath.Join(dir, name)
	mimePath := filePath + legacyMIMESuffix
	defer os.Remove(mimePath)

	rawURL, err := url.PathUnescape(name)
	if err != nil {
		rawURL = name
	}
	ref, err := cachekey.Resolve(rawURL)
	if err != nil {
		c.logger.WithFields(logrus.Fields{"action": "import_legacy", "path": filePath}).Warn("legacy_entry_skipped")
		return false, nil
	}
	fields := logging.CacheFields("import_legacy", ref.Identifier, groupKey, "")

	linked, err := c.index.LinkExisting(ctx, groupKey, ref.Key, ref.Variant)
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Error("index_link_failed")
		return false, ErrIndex
	}
	if linked && c.store.Exists(ref.Identifier) {
		if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.WithError(err).WithFields(fields).Warn("legacy_remove_failed")
		}
		return false, nil
	}

	mimeType := ""
	if raw, err := os.ReadFile(mimePath); err == nil {
		mimeType = strings.TrimSpace(string(raw))
	}
	opts := cache.PutOptions{MIMEType: mimeType}
	if info, err := os.Stat(filePath); err == nil {
		opts.ModTime = info.ModTime()
	}

	stored, err := c.store.Move(ref.Identifier, filePath, opts)
	if err != nil {
		// 跨文件系统时 rename 失败，退回到复制。
		stored, err = c.copyLegacyFile(ctx, ref.Identifier, filePath, opts)
	}
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Error("blob_move_failed")
		return false, ErrFilesystem
	}

	if err := c.index.Link(ctx, groupKey, ref.Key, ref.Variant); err != nil {
		if !stored.Existed {
			_ = c.store.Remove(ref.Identifier)
		}
		c.logger.WithError(err).WithFields(fields).Error("index_link_failed")
		return false, ErrIndex
	}
	return !stored.Existed, nil
}

func (c *Controller) copyLegacyFile(ctx context.Context, identifier, filePath string, opts cache.PutOptions) (*cache.Entry, error) {
	src, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	stored, err := c.store.Put(ctx, identifier, src, opts)
	src.Close()
	if err != nil {
		return nil, err
	}
	_ = os.Remove(filePath)
	return stored, nil
}
