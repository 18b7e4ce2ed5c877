package runner

import "io"

// limitedWriter discards everything past its byte budget. Subprocess output
// is untrusted; a runaway program must not balloon memory.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func newLimitedWriter(w io.Writer, limit int) *limitedWriter {
	return &limitedWriter{w: w, remaining: limit}
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		lw.truncated = true
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		n = lw.remaining
		lw.truncated = true
	}
	if _, err := lw.w.Write(p[:n]); err != nil {
		return 0, err
	}
	lw.remaining -= n
	return len(p), nil
}
