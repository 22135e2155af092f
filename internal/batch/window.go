package batch

import "fmt"

// Window is the sliding buffer between packed shards and emitted batches.
// Rows before the read offset are consumed; every Append drops them first, so
// the buffer never holds more than one shard plus one batch of leftovers.
type Window struct {
	maxLength  int
	featDim    int
	labelWidth int

	ids    []string
	feats  []float32
	labels []int32
	mask   []float32
	frames []int
	offset int
}

// NewWindow returns an empty window for rows of the given shape.
func NewWindow(maxLength, featDim, labelWidth int) *Window {
	return &Window{maxLength: maxLength, featDim: featDim, labelWidth: labelWidth}
}

// Available is the number of unconsumed rows.
func (w *Window) Available() int {
	return len(w.ids) - w.offset
}

// Append compacts the consumed prefix away and adds the rows of b.
func (w *Window) Append(b *Batch) error {
	if b.MaxLength != w.maxLength || b.FeatDim != w.featDim || b.LabelWidth != w.labelWidth {
		return fmt.Errorf("batch shape %dx%d/%d does not match window %dx%d/%d",
			b.MaxLength, b.FeatDim, b.LabelWidth, w.maxLength, w.featDim, w.labelWidth)
	}
	rowLen := w.maxLength * w.featDim
	off := w.offset
	w.ids = append(w.ids[:0], w.ids[off:]...)
	w.feats = append(w.feats[:0], w.feats[off*rowLen:]...)
	w.labels = append(w.labels[:0], w.labels[off*w.labelWidth:]...)
	w.mask = append(w.mask[:0], w.mask[off*w.maxLength:]...)
	w.frames = append(w.frames[:0], w.frames[off:]...)
	w.offset = 0

	w.ids = append(w.ids, b.IDs[:b.Valid]...)
	w.feats = append(w.feats, b.Features[:b.Valid*rowLen]...)
	w.labels = append(w.labels, b.Labels[:b.Valid*w.labelWidth]...)
	w.mask = append(w.mask, b.Mask[:b.Valid*w.maxLength]...)
	w.frames = append(w.frames, b.Frames[:b.Valid]...)
	return nil
}

// Take copies out the next n rows and advances the offset. It returns nil
// when fewer than n rows are available.
func (w *Window) Take(n int) *Batch {
	if n <= 0 || w.Available() < n {
		return nil
	}
	b := w.slice(n, n)
	w.offset += n
	return b
}

// Drain returns every remaining row padded with empty rows up to n, with
// Valid set to the real row count, and empties the window. It returns nil
// when nothing remains.
func (w *Window) Drain(n int) *Batch {
	rest := w.Available()
	if rest == 0 {
		return nil
	}
	if n < rest {
		n = rest
	}
	b := w.slice(rest, n)
	w.Clear()
	return b
}

// Clear drops all rows.
func (w *Window) Clear() {
	w.ids = w.ids[:0]
	w.feats = w.feats[:0]
	w.labels = w.labels[:0]
	w.mask = w.mask[:0]
	w.frames = w.frames[:0]
	w.offset = 0
}

// slice copies rows [offset, offset+rows) into a batch of size rows.
func (w *Window) slice(rows, size int) *Batch {
	rowLen := w.maxLength * w.featDim
	lo := w.offset
	b := &Batch{
		Size:       size,
		Valid:      rows,
		MaxLength:  w.maxLength,
		FeatDim:    w.featDim,
		LabelWidth: w.labelWidth,
		IDs:        make([]string, size),
		Features:   make([]float32, size*rowLen),
		Labels:     make([]int32, size*w.labelWidth),
		Mask:       make([]float32, size*w.maxLength),
		Frames:     make([]int, size),
	}
	copy(b.IDs, w.ids[lo:lo+rows])
	copy(b.Features, w.feats[lo*rowLen:(lo+rows)*rowLen])
	copy(b.Labels, w.labels[lo*w.labelWidth:(lo+rows)*w.labelWidth])
	copy(b.Mask, w.mask[lo*w.maxLength:(lo+rows)*w.maxLength])
	copy(b.Frames, w.frames[lo:lo+rows])
	return b
}
