package kaldiio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("kaldiio: malformed archive")

// maxElements bounds a single matrix so a corrupt header cannot trigger a
// giant allocation.
const maxElements = 1 << 28

// Reader decodes a stream of (key, matrix) records. Binary and text records
// may be mixed.
type Reader struct {
	r   *bufio.Reader
	buf []byte
}

// NewReader wraps r. The reader buffers internally.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 1<<16)
	}
	return &Reader{r: br}
}

// Next returns the next record. It returns io.EOF at a clean end of stream.
func (r *Reader) Next() (string, Matrix, error) {
	key, err := r.readKey()
	if err != nil {
		return "", Matrix{}, err
	}
	head, err := r.r.Peek(2)
	if err == nil && head[0] == 0 && head[1] == 'B' {
		if _, err := r.r.Discard(2); err != nil {
			return "", Matrix{}, malformed(key, err)
		}
		m, err := r.readBinary()
		if err != nil {
			return "", Matrix{}, malformed(key, err)
		}
		return key, m, nil
	}
	m, err := r.readText()
	if err != nil {
		return "", Matrix{}, malformed(key, err)
	}
	return key, m, nil
}

func malformed(key string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: record %q: %v", ErrMalformed, key, err)
}

func (r *Reader) readKey() (string, error) {
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			return "", err
		}
		if !isSpace(c) {
			if err := r.r.UnreadByte(); err != nil {
				return "", err
			}
			break
		}
	}
	var sb strings.Builder
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("%w: truncated key %q", ErrMalformed, sb.String())
			}
			return "", err
		}
		if c == ' ' {
			return sb.String(), nil
		}
		if c == '\n' || c == 0 {
			return "", fmt.Errorf("%w: key %q not followed by a space", ErrMalformed, sb.String())
		}
		sb.WriteByte(c)
	}
}

func (r *Reader) readBinary() (Matrix, error) {
	token, err := r.readToken()
	if err != nil {
		return Matrix{}, err
	}
	var width int
	switch token {
	case "FM":
		width = 4
	case "DM":
		width = 8
	default:
		return Matrix{}, fmt.Errorf("unsupported binary token %q", token)
	}
	rows, err := r.readInt32()
	if err != nil {
		return Matrix{}, err
	}
	cols, err := r.readInt32()
	if err != nil {
		return Matrix{}, err
	}
	if rows < 0 || cols < 0 || int64(rows)*int64(cols) > maxElements {
		return Matrix{}, fmt.Errorf("bad dimensions %dx%d", rows, cols)
	}
	m := NewMatrix(int(rows), int(cols))
	n := len(m.Data) * width
	if cap(r.buf) < n {
		r.buf = make([]byte, n)
	}
	buf := r.buf[:n]
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return Matrix{}, err
	}
	if width == 4 {
		for i := range m.Data {
			m.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	} else {
		for i := range m.Data {
			m.Data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
		}
	}
	return m, nil
}

func (r *Reader) readToken() (string, error) {
	var sb strings.Builder
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			return "", err
		}
		if c == ' ' {
			return sb.String(), nil
		}
		if sb.Len() > 8 {
			return "", fmt.Errorf("token too long")
		}
		sb.WriteByte(c)
	}
}

func (r *Reader) readInt32() (int32, error) {
	size, err := r.r.ReadByte()
	if err != nil {
		return 0, err
	}
	if size != 4 {
		return 0, fmt.Errorf("expected int32 size marker, got %d", size)
	}
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// readText parses "[ row \n row ... ]" with one frame per line.
func (r *Reader) readText() (Matrix, error) {
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			return Matrix{}, err
		}
		if c == '[' {
			break
		}
		if !isSpace(c) {
			return Matrix{}, fmt.Errorf("expected '[' got %q", c)
		}
	}
	var (
		data []float32
		rows int
		cols = -1
	)
	for {
		line, err := r.r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && strings.Contains(line, "]")) {
			return Matrix{}, err
		}
		body, closed := strings.CutSuffix(strings.TrimSpace(line), "]")
		fields := strings.Fields(body)
		if len(fields) > 0 {
			if cols >= 0 && len(fields) != cols {
				return Matrix{}, fmt.Errorf("row %d has %d columns, want %d", rows, len(fields), cols)
			}
			cols = len(fields)
			for _, f := range fields {
				v, perr := strconv.ParseFloat(f, 32)
				if perr != nil {
					return Matrix{}, fmt.Errorf("row %d: %v", rows, perr)
				}
				data = append(data, float32(v))
			}
			rows++
		}
		if closed {
			break
		}
	}
	if cols < 0 {
		cols = 0
	}
	return Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
