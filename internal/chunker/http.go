package chunker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tachyon/internal/bandwidth"
)

const bufferSize = 32 * 1024

// ProbeResult is what chunk 0's bootstrap request (spec.md §4.3) reports.
type ProbeResult struct {
	Size         int64
	Filename     string
	AcceptRanges bool
	ETag         string
	LastModified string
}

func newRequest(ctx context.Context, method, url string, headers map[string]string, cookies string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "tachyon/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}
	return req, nil
}

// ProbeHTTP issues the chunk-0 bootstrap request: a ranged GET for the first
// byte, reading content-length, content-disposition, and accept-ranges
// before any further chunk is allowed to start (spec.md §4.3 "Chunk 0
// bootstrap").
func ProbeHTTP(ctx context.Context, client *http.Client, url string, headers map[string]string, cookies string) (ProbeResult, error) {
	req, err := newRequest(ctx, http.MethodGet, url, headers, cookies)
	if err != nil {
		return ProbeResult{}, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	result := ProbeResult{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		AcceptRanges: resp.Header.Get("Accept-Ranges") == "bytes" || resp.StatusCode == http.StatusPartialContent,
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx != -1 {
			if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				result.Size = n
			}
		}
	} else if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			result.Size = n
		}
	}

	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := parseContentDisposition(cd); err == nil {
			if name, ok := params["filename"]; ok {
				result.Filename = name
			}
		}
	}

	return result, nil
}

func parseContentDisposition(v string) (string, map[string]string, error) {
	parts := strings.Split(v, ";")
	params := map[string]string{}
	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 {
			params[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
		}
	}
	return strings.TrimSpace(parts[0]), params, nil
}

// FetchChunkHTTP performs one chunk's ranged GET and streams the body into
// w, applying the bandwidth bucket or adaptive self-throttle between writes
// (spec.md §4.3 Per-chunk loop) and stripping a leading BOM if this is the
// first chunk of a fresh (non-resumed) download.
func FetchChunkHTTP(ctx context.Context, client *http.Client, url string, headers map[string]string, cookies string, rng Range, resumeFrom int64, w io.Writer, bucket *bandwidth.Bucket, priority int, stripBOM bool) (int64, error) {
	req, err := newRequest(ctx, http.MethodGet, url, headers, cookies)
	if err != nil {
		return 0, err
	}

	start := rng.Start + resumeFrom
	if rng.End >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, rng.End))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chunk request failed: status %d", resp.StatusCode)
	}

	var rangeSize int64 = -1
	if rng.End >= 0 {
		rangeSize = rng.End - rng.Start + 1
	}

	buf := make([]byte, bufferSize)
	var arrived int64 = resumeFrom
	var throttle SelfThrottle
	first := true

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if stripBOM && first {
				chunk = stripLeadingBOM(chunk)
				first = false
			}
			clipped, done := clipToRange(chunk, arrived, rangeSize)
			if len(clipped) > 0 {
				if _, werr := w.Write(clipped); werr != nil {
					return arrived, werr
				}
				arrived += int64(len(clipped))

				if bucket != nil {
					if err := bucket.Consume(ctx, len(clipped), priority); err != nil {
						return arrived, err
					}
				} else {
					time.Sleep(throttle.Next(len(clipped)))
				}
			}

			if done {
				// Range satisfied; a 1-byte over-send past the expected end
				// is discarded rather than treated as an error (spec.md §8).
				return arrived, nil
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return arrived, rerr
		}
	}

	return arrived, nil
}

// clipToRange trims buf so a chunk never writes past its expected byte
// range. The last chunk is sent without an explicit end byte (spec.md
// §4.3), and any server/connection that streams past the expected length
// must stop the chunk cleanly rather than error (spec.md §8: "server
// over-sends by 1 byte; transfer completes successfully"). done reports
// whether the range is now fully satisfied and the transfer should stop.
func clipToRange(buf []byte, arrived, rangeSize int64) (clipped []byte, done bool) {
	if rangeSize < 0 {
		return buf, false
	}
	remaining := rangeSize - arrived
	if remaining <= 0 {
		return nil, true
	}
	if int64(len(buf)) >= remaining {
		return buf[:remaining], true
	}
	return buf, false
}

func stripLeadingBOM(b []byte) []byte {
	if bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}) {
		return b[3:]
	}
	return b
}
