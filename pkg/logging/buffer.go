package logging

import (
	"strings"
	"sync"
)

// CaptureWriter keeps the most recent line written to it.
type CaptureWriter struct {
	mu       sync.RWMutex
	lastLine string
}

// LastWarning holds the latest WARN+ server log line.
var LastWarning = &CaptureWriter{}

// Write implements io.Writer.
func (w *CaptureWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastLine = strings.TrimSpace(string(p))
	return len(p), nil
}

// Last returns the most recent line, or "".
func (w *CaptureWriter) Last() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastLine
}
