package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// FrameWriter writes one JSON value per line to an underlying connection,
// the line-framed JSON-over-TCP transport named in the wire protocol.
type FrameWriter struct {
	w *bufio.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

// WriteFrame marshals v and writes it followed by a newline, flushing
// immediately so frames aren't held up behind buffering. Command values are
// routed through Serialize so the "type" key reflects cmd.Type() even when
// the caller never set CmdType on the struct literal it built.
func (fw *FrameWriter) WriteFrame(v any) error {
	var b []byte
	var err error
	if cmd, ok := v.(Command); ok {
		b, err = Serialize(cmd)
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fw.w.Write(b); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := fw.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write frame newline: %w", err)
	}
	return fw.w.Flush()
}

// FrameReader reads one JSON value per line from an underlying connection.
type FrameReader struct {
	sc *bufio.Scanner
}

func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &FrameReader{sc: sc}
}

// ReadFrame returns the next line's raw bytes, or io.EOF when the
// connection closed cleanly.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if !fr.sc.Scan() {
		if err := fr.sc.Err(); err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		return nil, io.EOF
	}
	line := fr.sc.Bytes()
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}
