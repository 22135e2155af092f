package kaldiio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
)

func sampleMatrix(rows, cols int, base float32) Matrix {
	m := NewMatrix(rows, cols)
	for i := range m.Data {
		m.Data[i] = base + float32(i)*0.5
	}
	return m
}

func readAll(t *testing.T, data []byte) ([]string, []Matrix) {
	t.Helper()
	r := NewReader(bytes.NewReader(data))
	var keys []string
	var mats []Matrix
	for {
		key, m, err := r.Next()
		if errors.Is(err, io.EOF) {
			return keys, mats
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		keys = append(keys, key)
		mats = append(mats, m)
	}
}

func TestBinaryArchive(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	in := []Matrix{sampleMatrix(3, 4, 1), sampleMatrix(1, 4, -2), NewMatrix(0, 4)}
	for i, m := range in {
		if err := w.Write([]string{"utt-a", "utt-b", "utt-c"}[i], m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	keys, mats := readAll(t, buf.Bytes())
	if len(keys) != 3 || keys[0] != "utt-a" || keys[2] != "utt-c" {
		t.Fatalf("unexpected keys %v", keys)
	}
	for i := range in {
		if mats[i].Rows != in[i].Rows || mats[i].Cols != in[i].Cols {
			t.Fatalf("record %d: got %dx%d want %dx%d", i, mats[i].Rows, mats[i].Cols, in[i].Rows, in[i].Cols)
		}
		for j := range in[i].Data {
			if mats[i].Data[j] != in[i].Data[j] {
				t.Fatalf("record %d value %d: got %v want %v", i, j, mats[i].Data[j], in[i].Data[j])
			}
		}
	}
}

func TestTextArchive(t *testing.T) {
	data := []byte("spk1_utt1  [\n  1 2 3 \n  4 5 6 ]\nspk1_utt2  [ ]\nspk1_utt3  [\n  0.5 -1.25 ]\n")
	keys, mats := readAll(t, data)
	if len(keys) != 3 {
		t.Fatalf("expected 3 records, got %d", len(keys))
	}
	if mats[0].Rows != 2 || mats[0].Cols != 3 || mats[0].Data[5] != 6 {
		t.Fatalf("unexpected first matrix %+v", mats[0])
	}
	if mats[1].Rows != 0 {
		t.Fatalf("expected empty matrix, got %+v", mats[1])
	}
	if mats[2].Rows != 1 || mats[2].Data[1] != -1.25 {
		t.Fatalf("unexpected third matrix %+v", mats[2])
	}
}

func TestTextWriterReadsBack(t *testing.T) {
	var buf bytes.Buffer
	w := NewTextWriter(&buf)
	if err := w.Write("a", sampleMatrix(2, 2, 0.25)); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Flush()
	_, mats := readAll(t, buf.Bytes())
	if len(mats) != 1 || mats[0].Rows != 2 || mats[0].Data[3] != 1.75 {
		t.Fatalf("unexpected %+v", mats)
	}
}

func TestDoubleMatrix(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("d1 \x00BDM ")
	buf.Write([]byte{4, 1, 0, 0, 0, 4, 2, 0, 0, 0})
	var f [8]byte
	for _, v := range []float64{1.5, -3} {
		binary.LittleEndian.PutUint64(f[:], math.Float64bits(v))
		buf.Write(f[:])
	}
	_, mats := readAll(t, buf.Bytes())
	if mats[0].Data[0] != 1.5 || mats[0].Data[1] != -3 {
		t.Fatalf("unexpected values %v", mats[0].Data)
	}
}

func TestMalformed(t *testing.T) {
	cases := map[string][]byte{
		"compressed":  []byte("u1 \x00BCM \x04\x01\x00\x00\x00"),
		"truncated":   []byte("u1 \x00BFM \x04\x02\x00\x00\x00\x04\x02\x00\x00\x00\x00\x00"),
		"ragged text": []byte("u1  [\n 1 2\n 3 ]\n"),
		"no bracket":  []byte("u1 1 2 3\n"),
		"key only":    []byte("u1"),
		"bad number":  []byte("u1  [ 1 x ]\n"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(data))
			_, _, err := r.Next()
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}
