package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// Reader frames lines from a byte stream and parses them into messages.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r. The buffer is sized so that any line longer than the
// protocol allows is detected without unbounded buffering.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, MaxTagsLength+MaxLineLength)}
}

// ReadLine returns the next non-empty line without its terminator. An
// oversized line yields a frame-too-long protocol error; the stream cannot be
// resynchronised after that.
func (r *Reader) ReadLine() (string, error) {
	for {
		line, err := r.br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", tooLong()
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}

		line = trimEOL(line)
		if len(line) == 0 {
			continue
		}
		if err := checkLength(line); err != nil {
			return "", err
		}
		return string(line), nil
	}
}

// ReadMessage reads and parses the next line. A malformed line returns an
// error wrapping irc.ErrMalformedMessage and the reader stays usable.
func (r *Reader) ReadMessage() (*Message, error) {
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}
	return Parse(line)
}

// ScanLines is a bufio.SplitFunc producing protocol lines from an
// append-only buffer. It fails with a frame-too-long error instead of
// buffering an oversized line.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for {
		i := bytes.IndexByte(data[advance:], '\n')
		if i < 0 {
			break
		}
		line := trimEOL(data[advance : advance+i+1])
		advance += i + 1
		if len(line) == 0 {
			continue
		}
		if err := checkLength(line); err != nil {
			return 0, nil, err
		}
		return advance, line, nil
	}
	if len(data)-advance >= MaxTagsLength+MaxLineLength {
		return 0, nil, tooLong()
	}
	if atEOF && len(data) > advance {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return advance, nil, nil
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'})
}

func checkLength(line []byte) error {
	body := line
	if line[0] == '@' {
		i := bytes.IndexByte(line, ' ')
		if i < 0 {
			i = len(line)
		}
		if i+1 > MaxTagsLength {
			return tooLong()
		}
		if i < len(line) {
			body = line[i+1:]
		} else {
			body = nil
		}
	}
	if len(body)+2 > MaxLineLength {
		return tooLong()
	}
	return nil
}

// Writer serializes messages onto a buffered stream.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, MaxLineLength*8)}
}

// WriteMessage validates m and buffers its wire form.
func (w *Writer) WriteMessage(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := w.bw.WriteString(m.String() + "\r\n")
	return err
}

// Flush writes buffered lines to the underlying stream.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}
