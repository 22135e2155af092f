package kaldiio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Writer encodes records in the layout Reader accepts.
type Writer struct {
	w    *bufio.Writer
	text bool
}

// NewWriter returns a binary ("FM") archive writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// NewTextWriter returns a text archive writer.
func NewTextWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w), text: true}
}

// Write appends one record.
func (w *Writer) Write(key string, m Matrix) error {
	if len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("kaldiio: matrix %q has %d values for %dx%d", key, len(m.Data), m.Rows, m.Cols)
	}
	if w.text {
		return w.writeText(key, m)
	}
	return w.writeBinary(key, m)
}

func (w *Writer) writeBinary(key string, m Matrix) error {
	w.w.WriteString(key)
	w.w.WriteString(" \x00BFM ")
	var b [5]byte
	b[0] = 4
	binary.LittleEndian.PutUint32(b[1:], uint32(m.Rows))
	w.w.Write(b[:])
	binary.LittleEndian.PutUint32(b[1:], uint32(m.Cols))
	w.w.Write(b[:])
	var f [4]byte
	for _, v := range m.Data {
		binary.LittleEndian.PutUint32(f[:], math.Float32bits(v))
		if _, err := w.w.Write(f[:]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeText(key string, m Matrix) error {
	w.w.WriteString(key)
	w.w.WriteString("  [")
	for t := 0; t < m.Rows; t++ {
		w.w.WriteString("\n ")
		for _, v := range m.Row(t) {
			w.w.WriteByte(' ')
			w.w.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
		}
	}
	_, err := w.w.WriteString(" ]\n")
	return err
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}
