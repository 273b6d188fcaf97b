package plugin

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"tachyon/internal/chunker"
)

// GenericPlugin is the default hoster adapter (SPEC_FULL.md "Plugin
// Capability"): plain HTTP(S)/FTP links that need no hoster-specific
// screen-scraping route straight through the Chunked Downloader. It
// implements both DownloadPlugin and InfoPlugin, and is what the `api`
// adapter falls back to when a URL's host matches no registered
// hoster-specific plugin.
type GenericPlugin struct {
	downloader  *chunker.Downloader
	concurrency int
	probeClient *http.Client
}

// NewGenericPlugin wires the plugin to an already-constructed
// chunker.Downloader (itself wired to the shared bandwidth.Bucket), so every
// download — generic or hoster-specific — draws from the same bucket.
func NewGenericPlugin(downloader *chunker.Downloader, concurrency int) *GenericPlugin {
	if concurrency < 1 {
		concurrency = 4
	}
	return &GenericPlugin{
		downloader:  downloader,
		concurrency: concurrency,
		probeClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *GenericPlugin) Name() string { return "generic" }

// Multi reports true: plain HTTP/FTP hosts impose no account-wide
// concurrency ceiling of their own (spec.md §4.1 step 2).
func (p *GenericPlugin) Multi() bool { return true }

// Process runs the file through the Chunked Downloader (spec.md §4.3).
func (p *GenericPlugin) Process(ctx context.Context, job *Job) error {
	return p.downloader.Download(ctx, chunker.Job{
		URL:         job.URL,
		TargetPath:  job.SavePath,
		Headers:     job.Headers,
		Cookies:     job.Cookies,
		Concurrency: p.concurrency,
	}, nil)
}

// GetInfo resolves online/offline + filename/size without downloading
// (spec.md §4.5 "Info probe"): an HTTP Range bootstrap probe, or an FTP SIZE
// for ftp:// URLs.
func (p *GenericPlugin) GetInfo(ctx context.Context, rawURL string) (InfoResult, error) {
	if strings.HasPrefix(rawURL, "ftp://") {
		size, err := chunker.SizeFTP(ctx, rawURL)
		if err != nil {
			return InfoResult{Status: "offline"}, err
		}
		return InfoResult{Name: GuessFilename(rawURL), Size: size, Status: "online"}, nil
	}

	probe, err := chunker.ProbeHTTP(ctx, p.probeClient, rawURL, nil, "")
	if err != nil {
		return InfoResult{Status: "offline"}, err
	}

	name := probe.Filename
	if name == "" {
		name = GuessFilename(rawURL)
	}
	return InfoResult{Name: name, Size: probe.Size, Status: "online"}, nil
}

// GuessFilename derives a filename from a URL's final path segment, falling
// back to the host when the path is empty — shared with the api adapter so
// a queued file gets the same name a probe would have reported.
func GuessFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	base := path.Base(u.Path)
	if base == "" || base == "/" || base == "." {
		return u.Host
	}
	return base
}

var (
	_ DownloadPlugin = (*GenericPlugin)(nil)
	_ InfoPlugin     = (*GenericPlugin)(nil)
)
