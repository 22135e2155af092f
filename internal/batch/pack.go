package batch

import (
	"fmt"

	"github.com/loqalabs/loqa-dnn/internal/kaldiio"
	"github.com/loqalabs/loqa-dnn/internal/labels"
)

// Example is one labeled utterance waiting to be packed.
type Example struct {
	ID    string
	Feats kaldiio.Matrix
	Label labels.Label
}

// Pack right-pads every utterance with zero frames up to maxLength, or drops
// the frames beyond maxLength, and builds the matching mask. Frame labels are
// padded with class 0 and truncated the same way; the mask alone marks which
// positions are real.
func Pack(examples []Example, maxLength, featDim int, kind labels.Kind) (*Batch, error) {
	width := 1
	if kind == labels.KindFrame {
		width = maxLength
	}
	n := len(examples)
	rowLen := maxLength * featDim
	b := &Batch{
		Size:       n,
		Valid:      n,
		MaxLength:  maxLength,
		FeatDim:    featDim,
		LabelWidth: width,
		IDs:        make([]string, n),
		Features:   make([]float32, n*rowLen),
		Labels:     make([]int32, n*width),
		Mask:       make([]float32, n*maxLength),
		Frames:     make([]int, n),
	}
	for i, ex := range examples {
		if ex.Feats.Cols != featDim {
			return nil, fmt.Errorf("utterance %s has dim %d, want %d", ex.ID, ex.Feats.Cols, featDim)
		}
		if kind == labels.KindFrame && len(ex.Label.Frames) != ex.Feats.Rows {
			return nil, fmt.Errorf("utterance %s has %d frame labels for %d frames", ex.ID, len(ex.Label.Frames), ex.Feats.Rows)
		}
		kept := ex.Feats.Rows
		if kept > maxLength {
			kept = maxLength
		}
		b.IDs[i] = ex.ID
		b.Frames[i] = kept
		copy(b.Features[i*rowLen:], ex.Feats.Data[:kept*featDim])
		mask := b.RowMask(i)
		for t := 0; t < kept; t++ {
			mask[t] = 1
		}
		if kind == labels.KindFrame {
			copy(b.RowLabels(i), ex.Label.Frames)
		} else {
			b.Labels[i] = ex.Label.Class
		}
	}
	return b, nil
}
