// Package kaldiio reads and writes Kaldi feature archives (ark) as produced by
// copy-feats, splice-feats and apply-cmvn.
package kaldiio

// Matrix is a dense row-major frame matrix, one row per frame.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Row returns frame t as a slice aliasing the matrix storage.
func (m Matrix) Row(t int) []float32 {
	return m.Data[t*m.Cols : (t+1)*m.Cols]
}
