package cachekey

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// OriginalVariant 表示原始尺寸（未缩放）的资源版本。
const OriginalVariant int64 = 0

// separator 用于拼接 host/name 以及 key/variant。
const separator = "__"

// ErrEmptyURL 表示输入为空或无法解析为 URL。
var ErrEmptyURL = errors.New("empty or invalid url")

// Ref 汇总一个 URL 推导出的全部缓存身份信息。
type Ref struct {
	URL        *url.URL
	Key        string
	Variant    int64
	Identifier string
}

// thumbSegment 标记缩略图路径：/<project>/<lang>/thumb/<h>/<hh>/<Name>/<NNNpx-Name>。
const thumbSegment = "thumb"

// sizePrefixPattern 匹配缩略图文件名中的宽度前缀，兼容 lossy-/lossless-/pageN- 前缀。
var sizePrefixPattern = regexp.MustCompile(`^(?:lossy-|lossless-)?(?:page\d+-)?(\d+)px-`)

// hashDirPattern 匹配上传仓库中按哈希分桶的目录（a/ab）。
var (
	hashDirPattern    = regexp.MustCompile(`^[0-9a-f]$`)
	hashSubDirPattern = regexp.MustCompile(`^[0-9a-f]{2}$`)
)

// Resolve 解析原始 URL 字符串并计算 key/variant/identifier。
// 支持无 scheme 的 //host/path 形式。
func Resolve(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, ErrEmptyURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return Ref{}, ErrEmptyURL
	}
	if parsed.Host == "" && parsed.Path == "" && parsed.Opaque == "" {
		return Ref{}, ErrEmptyURL
	}
	key := Key(parsed)
	variant := Variant(parsed)
	return Ref{
		URL:        parsed,
		Key:        key,
		Variant:    variant,
		Identifier: Identifier(key, variant),
	}, nil
}

// Key 返回资源的缓存键；无法识别媒体文件名时退化为规范化后的完整 URL。
func Key(u *url.URL) string {
	if u == nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if name, ok := ParseImageName(u); ok && host != "" {
		return norm.NFC.String(host + separator + name)
	}
	return norm.NFC.String(u.String())
}

// Variant 返回 URL 中嵌入的宽度；缺失时为 OriginalVariant。
func Variant(u *url.URL) int64 {
	if width, ok := ParseSizePrefix(u); ok {
		return width
	}
	return OriginalVariant
}

// Identifier 拼接 key 与 variant，作为磁盘 blob 的唯一地址。
func Identifier(key string, variant int64) string {
	return key + separator + strconv.FormatInt(variant, 10)
}

// ParseImageName 从上传仓库路径中提取规范文件名（已 percent-decode）。
func ParseImageName(u *url.URL) (string, bool) {
	segments := pathSegments(u)
	if len(segments) == 0 {
		return "", false
	}

	for i, seg := range segments {
		if seg != thumbSegment {
			continue
		}
		// thumb/<h>/<hh>/<Name>/<NNNpx-Name>
		if i+3 < len(segments) && isHashBucket(segments[i+1], segments[i+2]) {
			return decodeSegment(segments[i+3])
		}
		return "", false
	}

	// 原图：.../<h>/<hh>/<Name>
	n := len(segments)
	if n >= 3 && isHashBucket(segments[n-3], segments[n-2]) {
		return decodeSegment(segments[n-1])
	}
	return "", false
}

// ParseSizePrefix 从缩略图文件名的 NNNpx- 前缀中解析宽度。
func ParseSizePrefix(u *url.URL) (int64, bool) {
	segments := pathSegments(u)
	if len(segments) < 2 {
		return 0, false
	}
	isThumb := false
	for _, seg := range segments {
		if seg == thumbSegment {
			isThumb = true
			break
		}
	}
	if !isThumb {
		return 0, false
	}
	last, ok := decodeSegment(segments[len(segments)-1])
	if !ok {
		return 0, false
	}
	match := sizePrefixPattern.FindStringSubmatch(last)
	if match == nil {
		return 0, false
	}
	width, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil || width <= 0 {
		return 0, false
	}
	return width, true
}

// WithScheme 为 //host/path 形式的 URL 补全 https，其余原样返回副本。
func WithScheme(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	cloned := *u
	if cloned.Scheme == "" && cloned.Host != "" {
		cloned.Scheme = "https"
	}
	return &cloned
}

func pathSegments(u *url.URL) []string {
	if u == nil {
		return nil
	}
	p := u.EscapedPath()
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func isHashBucket(dir, subDir string) bool {
	return hashDirPattern.MatchString(dir) &&
		hashSubDirPattern.MatchString(subDir) &&
		strings.HasPrefix(subDir, dir)
}

func decodeSegment(seg string) (string, bool) {
	decoded, err := url.PathUnescape(seg)
	if err != nil || decoded == "" {
		return "", false
	}
	return decoded, true
}
