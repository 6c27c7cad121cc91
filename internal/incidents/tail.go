package incidents

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"
)

// maxReadBytes caps how much a single tail read consumes. A file that grew
// beyond the cap is read from (size - cap); the partial first line is dropped.
const maxReadBytes = 256 * 1024

// cursor tracks the read position in one watched file.
type cursor struct {
	offset  int64
	size    int64
	modTime time.Time
}

// tailer reads newly appended lines from watched files. Truncation resets
// the cursor to zero so rotated files are re-read from the start.
type tailer struct {
	mu      sync.Mutex
	cursors map[string]*cursor
}

func newTailer() *tailer {
	return &tailer{cursors: map[string]*cursor{}}
}

// ReadNew returns the complete lines appended to path since the last call.
func (t *tailer) ReadNew(path string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			delete(t.cursors, path)
			return nil, nil
		}
		return nil, err
	}
	cur, ok := t.cursors[path]
	if !ok {
		// First sighting: start at the end, only future appends count.
		t.cursors[path] = &cursor{offset: info.Size(), size: info.Size(), modTime: info.ModTime()}
		return nil, nil
	}
	size := info.Size()
	switch {
	case size < cur.size:
		// Truncated or rotated to a smaller file.
		cur.offset = 0
	case size <= cur.offset && !info.ModTime().Equal(cur.modTime):
		// Rewritten at the same size: nothing past the cursor but the file
		// changed, so it is new content, not the bytes already read.
		cur.offset = 0
	}
	cur.size = size
	cur.modTime = info.ModTime()
	if size <= cur.offset {
		return nil, nil
	}

	start := cur.offset
	dropFirst := false
	if size-start > maxReadBytes {
		start = size - maxReadBytes
		dropFirst = true
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
	if err != nil {
		return nil, err
	}

	// Keep the trailing partial line unconsumed.
	lastNL := bytes.LastIndexByte(data, '\n')
	if lastNL < 0 {
		return nil, nil
	}
	cur.offset = start + int64(lastNL) + 1

	lines := splitLines(data[:lastNL])
	if dropFirst && len(lines) > 0 {
		lines = lines[1:]
	}
	return lines, nil
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	raw := bytes.Split(data, []byte("\n"))
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		s := string(bytes.TrimRight(l, "\r"))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
