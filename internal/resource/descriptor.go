// Package resource discovers the remote HTTP resource backing a mount.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/httpfs/httpfs/pkg/errors"
)

// LengthUnknown is reported when the server does not disclose a length.
// The mount then operates in streaming-only mode.
const LengthUnknown int64 = -1

// Descriptor describes the remote resource. It is immutable after Discover
// and shared read-only by every engine component for the mount lifetime.
type Descriptor struct {
	URL     string
	Headers http.Header

	// Length is the total byte length, or LengthUnknown.
	Length int64

	// RangeSupported reports whether the server honors Range requests.
	// When false all access degrades to strictly sequential streaming.
	RangeSupported bool

	ETag         string
	LastModified time.Time

	// FileName is the name the mount presents for the single file.
	FileName string
}

// Discover probes the remote resource once at mount time. It issues a HEAD
// request and falls back to a minimal ranged GET when HEAD is rejected.
// A resource that cannot be reached at all is fatal to mount setup.
func Discover(ctx context.Context, client *http.Client, rawURL string, headers http.Header) (*Descriptor, error) {
	logger := slog.Default().With("component", "resource")

	d := &Descriptor{
		URL:      rawURL,
		Headers:  headers,
		Length:   LengthUnknown,
		FileName: fileNameFromURL(rawURL),
	}

	headErr := d.probeHead(ctx, client)
	if headErr == nil && d.RangeSupported {
		logger.Info("discovered remote resource",
			"length", d.Length, "range_supported", true, "file_name", d.FileName)
		return d, nil
	}

	// HEAD rejected, or it did not advertise Accept-Ranges. A one-byte
	// ranged GET settles range support either way.
	if err := d.probeRangedGet(ctx, client); err != nil {
		if headErr != nil {
			return nil, errors.Wrap(errors.ErrCodeResourceUnavailable,
				fmt.Sprintf("probe failed for %s", rawURL), err).
				WithComponent("resource").WithOperation("Discover")
		}
		// HEAD worked, so the resource exists; only range support is
		// unresolved. Treat ranges as unsupported rather than failing.
		logger.Warn("range probe failed, degrading to sequential access", "error", err)
		d.RangeSupported = false
	}

	if d.Length == LengthUnknown {
		logger.Warn("server did not report a length, mounting in streaming-only mode")
	}
	logger.Info("discovered remote resource",
		"length", d.Length, "range_supported", d.RangeSupported, "file_name", d.FileName)

	return d, nil
}

func (d *Descriptor) probeHead(ctx context.Context, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.URL, nil)
	if err != nil {
		return err
	}
	applyHeaders(req, d.Headers)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HEAD returned status %d", resp.StatusCode)
	}

	if resp.ContentLength >= 0 {
		d.Length = resp.ContentLength
	}
	if strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes") {
		d.RangeSupported = true
	}
	d.ETag = resp.Header.Get("ETag")
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			d.LastModified = t
		}
	}

	return nil
}

func (d *Descriptor) probeRangedGet(ctx context.Context, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return err
	}
	applyHeaders(req, d.Headers)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		d.RangeSupported = true
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			d.Length = total
		}
	case http.StatusOK:
		// Server ignored the Range header.
		d.RangeSupported = false
		if resp.ContentLength >= 0 {
			d.Length = resp.ContentLength
		}
	default:
		return fmt.Errorf("range probe returned status %d", resp.StatusCode)
	}

	if d.ETag == "" {
		d.ETag = resp.Header.Get("ETag")
	}
	if d.LastModified.IsZero() {
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				d.LastModified = t
			}
		}
	}

	return nil
}

// parseContentRangeTotal extracts the total length from a Content-Range
// header such as "bytes 0-0/12345". A "*" total means unknown.
func parseContentRangeTotal(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, false
	}
	slash := strings.LastIndexByte(value, '/')
	if slash < 0 {
		return 0, false
	}
	totalStr := value[slash+1:]
	if totalStr == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}

func fileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "file"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}

func applyHeaders(req *http.Request, headers http.Header) {
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
}

// ParseHeaderLines converts "Name: Value" strings into an http.Header.
// Malformed lines are rejected so a typo in --header fails fast.
func ParseHeaderLines(lines []string) (http.Header, error) {
	headers := make(http.Header)
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: Value\"", line)
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return headers, nil
}
