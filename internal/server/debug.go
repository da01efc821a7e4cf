package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// DebugRecorder dumps the most recent request and its response stream to
// disk for offline inspection. Only the last request is kept; each new
// request truncates the previous dump. A single mutex serializes writers
// so concurrent requests do not interleave their dumps.
type DebugRecorder struct {
	mu      sync.Mutex
	dir     string
	enabled bool
}

// NewDebugRecorder creates a recorder rooted at dir. A disabled recorder
// is safe to call and does nothing.
func NewDebugRecorder(dir string, enabled bool) *DebugRecorder {
	return &DebugRecorder{dir: dir, enabled: enabled}
}

// PrepareNewRequest claims the dump directory for the current request and
// truncates the previous dump files. Callers must pair it with Release.
func (d *DebugRecorder) PrepareNewRequest() {
	if !d.enabled {
		return
	}
	d.mu.Lock()
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		logrus.Warnf("debug dump directory unavailable: %v", err)
		return
	}
	for _, name := range []string{
		"request_body.json",
		"kiro_request_body.json",
		"response_stream_raw.txt",
		"response_stream_modified.txt",
	} {
		os.Remove(filepath.Join(d.dir, name))
	}
}

// Release frees the dump directory for the next request.
func (d *DebugRecorder) Release() {
	if !d.enabled {
		return
	}
	d.mu.Unlock()
}

// LogRequestBody dumps the inbound OpenAI request.
func (d *DebugRecorder) LogRequestBody(v interface{}) {
	d.writeJSON("request_body.json", v)
}

// LogKiroRequestBody dumps the outbound Kiro payload.
func (d *DebugRecorder) LogKiroRequestBody(body []byte) {
	d.writeFile("kiro_request_body.json", body, false)
}

// LogRawChunk appends a raw upstream chunk to the stream dump.
func (d *DebugRecorder) LogRawChunk(chunk []byte) {
	d.writeFile("response_stream_raw.txt", chunk, true)
}

// LogModifiedChunk appends an emitted SSE line to the stream dump.
func (d *DebugRecorder) LogModifiedChunk(line []byte) {
	d.writeFile("response_stream_modified.txt", line, true)
}

func (d *DebugRecorder) writeJSON(name string, v interface{}) {
	if !d.enabled {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logrus.Warnf("debug dump of %s failed: %v", name, err)
		return
	}
	d.writeFile(name, data, false)
}

func (d *DebugRecorder) writeFile(name string, data []byte, appendMode bool) {
	if !d.enabled {
		return
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(filepath.Join(d.dir, name), flags, 0o644)
	if err != nil {
		logrus.Warnf("debug dump of %s failed: %v", name, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		logrus.Warnf("debug dump of %s failed: %v", name, err)
	}
}
