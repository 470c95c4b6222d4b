package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// eom is the NETCONF 1.0 end-of-message delimiter.
var eom = []byte("]]>]]>")

// DefaultMaxFrameBytes bounds a single RPC frame when no limit is
// configured.
const DefaultMaxFrameBytes = 8 << 20

type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader, maxFrameBytes int) *frameReader {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes+len(eom))
	scanner.Split(splitEOM)
	return &frameReader{scanner: scanner}
}

// Next returns the next complete frame, trimmed of surrounding whitespace.
// Empty keepalive frames are skipped.
func (f *frameReader) Next() ([]byte, error) {
	for f.scanner.Scan() {
		frame := bytes.TrimSpace(f.scanner.Bytes())
		if len(frame) == 0 {
			continue
		}
		return append([]byte(nil), frame...), nil
	}
	if err := f.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func splitEOM(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, eom); i >= 0 {
		return i + len(eom), data[:i], nil
	}
	if atEOF {
		if len(bytes.TrimSpace(data)) > 0 {
			return 0, nil, fmt.Errorf("transport: connection closed mid-frame (%d bytes pending)", len(data))
		}
		// Clean EOF: no partial frame left behind.
		return 0, nil, nil
	}
	return 0, nil, nil
}

func writeFrame(w io.Writer, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return err
	}
	_, err := w.Write(eom)
	return err
}
