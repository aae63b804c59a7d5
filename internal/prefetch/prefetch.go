package prefetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tanq16/rangedl/internal/utils"
)

const maxFileNameBytes = 255

// URLInfo is what the server says about a resource before any byte is written.
type URLInfo struct {
	FinalURL        string
	FileName        string
	FileSize        int64 // 0 when unknown
	SupportsRange   bool
	CanFastDownload bool
	ETag            string
	LastModified    string
}

// StatusError reports a non-2xx response from the metadata probe.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	if e.Code == http.StatusNotFound {
		return "URL not found (404)"
	}
	return fmt.Sprintf("server returned error: %d", e.Code)
}

// GetURLInfo probes rawURL with HEAD and falls back to a ranged GET when the
// HEAD response is unusable.
func GetURLInfo(ctx context.Context, client utils.HTTPDoer, rawURL string) (*URLInfo, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}
	log := utils.GetLogger("prefetch")

	info, err := probeHead(ctx, client, rawURL)
	if err == nil && info != nil {
		log.Debug().Str("url", info.FinalURL).Int64("size", info.FileSize).Msg("HEAD probe succeeded")
		return info, nil
	}
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	log.Debug().Err(err).Str("url", rawURL).Msg("HEAD unusable, falling back to ranged GET")
	return probeGet(ctx, client, rawURL)
}

// probeHead returns nil info (and nil error) when the server answered but the
// answer cannot decide range support.
func probeHead(ctx context.Context, client utils.HTTPDoer, rawURL string) (*URLInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error checking URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil
	}
	acceptRanges := resp.Header.Get("Accept-Ranges")
	if acceptRanges == "" {
		return nil, nil
	}
	info := newInfo(resp, rawURL)
	info.SupportsRange = strings.Contains(strings.ToLower(acceptRanges), "bytes")
	info.FileSize = contentLength(resp)
	info.CanFastDownload = info.FileSize > 0 && info.SupportsRange
	return info, nil
}

func probeGet(ctx context.Context, client utils.HTTPDoer, rawURL string) (*URLInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error checking URL: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	info := newInfo(resp, rawURL)
	if resp.StatusCode == http.StatusPartialContent {
		info.SupportsRange = true
		info.FileSize = contentRangeTotal(resp.Header.Get("Content-Range"))
	}
	if info.FileSize == 0 {
		info.FileSize = contentLength(resp)
	}
	info.CanFastDownload = info.FileSize > 0 && info.SupportsRange
	return info, nil
}

func newInfo(resp *http.Response, rawURL string) *URLInfo {
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &URLInfo{
		FinalURL:     finalURL,
		FileName:     FileName(resp.Header.Get("Content-Disposition"), finalURL),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
}

func contentLength(resp *http.Response) int64 {
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size < 0 {
		return 0
	}
	return size
}

// contentRangeTotal parses the total out of "bytes 0-99/1000"; "*" or garbage yields 0.
func contentRangeTotal(header string) int64 {
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 {
		return 0
	}
	total, err := strconv.ParseInt(strings.TrimSpace(header[idx+1:]), 10, 64)
	if err != nil || total < 0 {
		return 0
	}
	return total
}

// FileName picks the download name from Content-Disposition, then the last
// URL path segment, then the URL itself, and sanitizes the result.
func FileName(contentDisposition, rawURL string) string {
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			// mime decodes filename* into "filename" already
			if fn := params["filename"]; fn != "" {
				return Sanitize(fn)
			}
		} else if fn := rawDispositionName(contentDisposition); fn != "" {
			return Sanitize(fn)
		}
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		base := path.Base(parsed.Path)
		if base != "" && base != "/" && base != "." {
			if unescaped, err := url.PathUnescape(base); err == nil {
				base = unescaped
			}
			return Sanitize(base)
		}
	}
	return Sanitize(rawURL)
}

func rawDispositionName(cd string) string {
	for _, part := range strings.Split(cd, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "filename*="); ok {
			v = strings.Trim(v, `"`)
			if idx := strings.Index(v, "''"); idx >= 0 {
				v = v[idx+2:]
			}
			if unescaped, err := url.PathUnescape(v); err == nil {
				return unescaped
			}
			return v
		}
		if v, ok := strings.CutPrefix(part, "filename="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// Sanitize replaces characters that are invalid in file names and caps the
// result at 255 bytes without splitting a rune.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxFileNameBytes {
		cut := maxFileNameBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	if out == "" {
		return "download"
	}
	return out
}
