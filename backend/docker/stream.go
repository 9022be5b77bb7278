package docker

import (
	"bytes"
)

// lineWriter accumulates a stream into buf and invokes emit once per complete
// line, without the trailing newline. Used to surface container output as
// events while the full stream is still captured for the outcome.
type lineWriter struct {
	buf     *bytes.Buffer
	partial bytes.Buffer
	emit    func(line string)
}

func newLineWriter(buf *bytes.Buffer, emit func(line string)) *lineWriter {
	return &lineWriter{buf: buf, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)

	if w.emit == nil {
		return len(p), nil
	}
	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// Keep the incomplete tail for the next write.
			w.partial.Reset()
			w.partial.WriteString(line)
			break
		}
		w.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// flush emits any unterminated final line.
func (w *lineWriter) flush() {
	if w.emit != nil && w.partial.Len() > 0 {
		w.emit(w.partial.String())
		w.partial.Reset()
	}
}
