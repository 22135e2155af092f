// Package batch packs variable-length utterances into fixed-shape rows and
// buffers them until a full mini-batch can be cut.
package batch

// Batch is a block of packed rows. Features is [Size][MaxLength][FeatDim],
// Mask is [Size][MaxLength], Labels is [Size][LabelWidth], all row-major.
// LabelWidth is 1 for utterance labels and MaxLength for frame labels.
type Batch struct {
	Size       int
	Valid      int
	MaxLength  int
	FeatDim    int
	LabelWidth int

	IDs      []string
	Features []float32
	Labels   []int32
	Mask     []float32
	// Frames holds the unpadded frame count kept for each row.
	Frames []int
}

// Row returns the features of row i.
func (b *Batch) Row(i int) []float32 {
	n := b.MaxLength * b.FeatDim
	return b.Features[i*n : (i+1)*n]
}

// RowMask returns the mask of row i.
func (b *Batch) RowMask(i int) []float32 {
	return b.Mask[i*b.MaxLength : (i+1)*b.MaxLength]
}

// RowLabels returns the labels of row i.
func (b *Batch) RowLabels(i int) []int32 {
	return b.Labels[i*b.LabelWidth : (i+1)*b.LabelWidth]
}

// MaskedFrames sums the mask over all rows.
func (b *Batch) MaskedFrames() int {
	n := 0
	for _, f := range b.Frames {
		n += f
	}
	return n
}

// Tower returns the rows owned by replica i out of n as a view; the batch size
// must be a multiple of n.
func (b *Batch) Tower(i, n int) *Batch {
	per := b.Size / n
	lo, hi := i*per, (i+1)*per
	valid := b.Valid - lo
	if valid < 0 {
		valid = 0
	}
	if valid > per {
		valid = per
	}
	rowLen := b.MaxLength * b.FeatDim
	return &Batch{
		Size:       per,
		Valid:      valid,
		MaxLength:  b.MaxLength,
		FeatDim:    b.FeatDim,
		LabelWidth: b.LabelWidth,
		IDs:        b.IDs[lo:hi],
		Features:   b.Features[lo*rowLen : hi*rowLen],
		Labels:     b.Labels[lo*b.LabelWidth : hi*b.LabelWidth],
		Mask:       b.Mask[lo*b.MaxLength : hi*b.MaxLength],
		Frames:     b.Frames[lo:hi],
	}
}
