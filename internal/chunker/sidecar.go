// Package chunker implements the Chunked Downloader and its on-disk Chunk
// Info sidecar (spec.md §4.3, §6). Grounded on internal/core/engine.go's
// executeTask/downloadWorker/downloadPart (range GET worker swarm, retry
// channel) and internal/core/congestion.go's AIMD controller, generalized to
// the spec's chunk-sidecar persistence format and FTP transport.
package chunker

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrWrongFormat is raised when the sidecar is malformed (spec.md §4.3, §6):
// a non-recoverable condition for resume — callers must restart from zero.
var ErrWrongFormat = errors.New("chunker: wrong sidecar format")

// Range is a chunk's half-open-by-convention byte range: [Start, End] both
// inclusive, except the final chunk, whose End is sent empty over the wire
// (spec.md §4.3 "sent without an explicit end byte").
type Range struct {
	Start int64
	End   int64 // -1 means "to end of file" (last chunk, open range)
}

// Layout is the parsed form of a `<file>.chunks` sidecar.
type Layout struct {
	Name   string
	Size   int64
	Chunks []Range
}

// ChunkPath returns the on-disk path of chunk i's data file.
func ChunkPath(targetPath string, i int) string {
	return fmt.Sprintf("%s.chunk%d", targetPath, i)
}

// SidecarPath returns the `<target>.chunks` path for a download target.
func SidecarPath(targetPath string) string {
	return targetPath + ".chunks"
}

// PlanLayout computes the chunk layout for a file of size S split into K
// chunks, per spec.md §4.3: chunk i covers [i*floor(S/K), (i+1)*floor(S/K)-1],
// the last chunk's upper bound is S-1 sent as an open range.
func PlanLayout(name string, size int64, k int) Layout {
	if k < 1 {
		k = 1
	}
	chunkSize := size / int64(k)
	chunks := make([]Range, k)
	for i := 0; i < k; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if i == k-1 {
			end = -1 // open range, tolerates off-by-one server behavior
		}
		chunks[i] = Range{Start: start, End: end}
	}
	return Layout{Name: name, Size: size, Chunks: chunks}
}

// Save writes the sidecar in the exact format spec.md §6 specifies:
//
//	name:<file>
//	size:<bytes>
//	#0:
//		name:<file>.chunk0
//		range:<start>-<end>
//	#1:
//	…
func Save(sidecarPath string, l Layout) error {
	var b strings.Builder
	fmt.Fprintf(&b, "name:%s\n", l.Name)
	fmt.Fprintf(&b, "size:%d\n", l.Size)
	for i, r := range l.Chunks {
		fmt.Fprintf(&b, "#%d:\n", i)
		fmt.Fprintf(&b, "\tname:%s\n", ChunkPath(l.Name, i))
		end := ""
		if r.End >= 0 {
			end = strconv.FormatInt(r.End, 10)
		}
		fmt.Fprintf(&b, "\trange:%d-%s\n", r.Start, end)
	}
	return os.WriteFile(sidecarPath, []byte(b.String()), 0o644)
}

// Load parses a sidecar file, returning ErrWrongFormat on any structural
// violation (spec.md §6: "Header lines must start with name: and size:;
// each chunk block starts with #<i>:. Malformed layout ⇒ WrongFormat").
func Load(sidecarPath string) (Layout, error) {
	f, err := os.Open(sidecarPath)
	if err != nil {
		return Layout{}, err
	}
	defer f.Close()

	var l Layout
	sc := bufio.NewScanner(f)
	lineNo := 0
	var current *Range
	haveName, haveSize := false, false

	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		lineNo++
		if trimmed == "" {
			continue
		}

		switch {
		case lineNo <= 2 && strings.HasPrefix(trimmed, "name:"):
			l.Name = strings.TrimPrefix(trimmed, "name:")
			haveName = true
		case lineNo <= 2 && strings.HasPrefix(trimmed, "size:"):
			size, err := strconv.ParseInt(strings.TrimPrefix(trimmed, "size:"), 10, 64)
			if err != nil {
				return Layout{}, ErrWrongFormat
			}
			l.Size = size
			haveSize = true
		case strings.HasPrefix(trimmed, "#") && strings.HasSuffix(trimmed, ":"):
			l.Chunks = append(l.Chunks, Range{})
			current = &l.Chunks[len(l.Chunks)-1]
		case strings.HasPrefix(trimmed, "name:") && current != nil:
			// chunk-local name line, ignored: derived deterministically by ChunkPath
		case strings.HasPrefix(trimmed, "range:") && current != nil:
			rangeStr := strings.TrimPrefix(trimmed, "range:")
			parts := strings.SplitN(rangeStr, "-", 2)
			if len(parts) != 2 {
				return Layout{}, ErrWrongFormat
			}
			start, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil {
				return Layout{}, ErrWrongFormat
			}
			current.Start = start
			if parts[1] == "" {
				current.End = -1
			} else {
				end, err := strconv.ParseInt(parts[1], 10, 64)
				if err != nil {
					return Layout{}, ErrWrongFormat
				}
				current.End = end
			}
		default:
			return Layout{}, ErrWrongFormat
		}
	}
	if err := sc.Err(); err != nil {
		return Layout{}, err
	}
	if !haveName || !haveSize || len(l.Chunks) == 0 {
		return Layout{}, ErrWrongFormat
	}
	return l, nil
}

// ResumableChunkSizes inspects each chunk file on disk; resume is valid only
// when every chunk file's current size is <= its expected range length
// (spec.md §4.3 "Resume is triggered when ... each chunk file's current size
// is ≤ its expected range length").
func ResumableChunkSizes(l Layout) ([]int64, bool) {
	sizes := make([]int64, len(l.Chunks))
	for i, r := range l.Chunks {
		info, err := os.Stat(ChunkPath(l.Name, i))
		if err != nil {
			sizes[i] = 0
			continue
		}
		sizes[i] = info.Size()
		if r.End >= 0 {
			expected := r.End - r.Start + 1
			if sizes[i] > expected {
				return nil, false
			}
		}
	}
	return sizes, true
}

// Cleanup removes the sidecar and every chunk file; called after a
// successful concatenation (spec.md §4.3 Finalization).
func Cleanup(l Layout, sidecarPath string) {
	os.Remove(sidecarPath)
	for i := range l.Chunks {
		os.Remove(ChunkPath(l.Name, i))
	}
}
