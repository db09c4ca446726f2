package cache

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/xattr"
)

// MIMETypeAttribute 是记录声明 MIME 类型的扩展属性名。
const MIMETypeAttribute = "user.anycache.mimetype"

// writeMIMEType 优先写入扩展属性；文件系统不支持 user xattr 时退回隐藏的 sidecar 文件。
func writeMIMEType(filePath, mimeType string) error {
	if err := xattr.Set(filePath, MIMETypeAttribute, []byte(mimeType)); err == nil {
		return nil
	}
	return os.WriteFile(sidecarPath(filePath), []byte(mimeType), 0o644)
}

func readMIMEType(filePath string) string {
	if raw, err := xattr.Get(filePath, MIMETypeAttribute); err == nil {
		return strings.TrimSpace(string(raw))
	}
	if raw, err := os.ReadFile(sidecarPath(filePath)); err == nil {
		return strings.TrimSpace(string(raw))
	}
	return ""
}

func sidecarPath(filePath string) string {
	return filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath)+".mime")
}
