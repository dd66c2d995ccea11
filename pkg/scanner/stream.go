package scanner

import "io"

const redactByte = '*'

// Stream redacts one container log stream as it flows through. It
// buffers at most one carry window, so memory stays bounded no matter
// how large the stream grows.
type Stream struct {
	scanner     *Scanner
	containerID string
	jobID       string
	dst         io.Writer

	buf     []byte
	flushed int64 // bytes already written to dst
}

// NewStream wraps dst so that everything written through the returned
// stream is scanned and redacted before it reaches dst.
func (s *Scanner) NewStream(containerID, jobID string, dst io.Writer) *Stream {
	return &Stream{
		scanner:     s,
		containerID: containerID,
		jobID:       jobID,
		dst:         dst,
	}
}

// Write scans the accumulated buffer, masks matches in place, and
// flushes everything except the carry tail. A pattern split across two
// writes completes once the second half arrives.
func (w *Stream) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	w.scan()

	keep := w.scanner.window - 1
	if keep < 0 {
		keep = 0
	}
	if len(w.buf) > keep {
		if err := w.flush(len(w.buf) - keep); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes the carry tail. The stream must not be written to
// afterwards.
func (w *Stream) Close() error {
	w.scan()
	return w.flush(len(w.buf))
}

func (w *Stream) scan() {
	for _, p := range w.scanner.patterns {
		for _, loc := range p.re.FindAllIndex(w.buf, -1) {
			if w.masked(loc[0], loc[1]) {
				continue
			}
			for i := loc[0]; i < loc[1]; i++ {
				w.buf[i] = redactByte
			}
			w.scanner.recordHit(w.containerID, w.jobID, p.Kind, p.Severity, w.flushed+int64(loc[0]))
		}
	}
}

// masked reports whether the range was already redacted on an earlier
// pass, so a mask run does not re-count as a fresh hit.
func (w *Stream) masked(from, to int) bool {
	for i := from; i < to; i++ {
		if w.buf[i] != redactByte {
			return false
		}
	}
	return true
}

func (w *Stream) flush(n int) error {
	if n == 0 {
		return nil
	}
	if _, err := w.dst.Write(w.buf[:n]); err != nil {
		return err
	}
	w.flushed += int64(n)
	w.buf = append(w.buf[:0], w.buf[n:]...)
	return nil
}
