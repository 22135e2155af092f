package features

import (
	"context"
	"iter"

	"github.com/loqalabs/loqa-dnn/internal/dataerr"
	"github.com/loqalabs/loqa-dnn/internal/kaldiio"
	"github.com/loqalabs/loqa-dnn/internal/manifest"
)

// Feature types understood by the pipeline.
const (
	TypeRaw   = "raw"
	TypeDelta = "delta"
)

// Utterance is one decoded record of a shard's feature stream.
type Utterance struct {
	ID    string
	Feats kaldiio.Matrix
}

// ProbeRequest describes a capped pass over the head of a list.
type ProbeRequest struct {
	ScpPath string
	Limit   int
	// StatsPath, when set, receives normalization statistics computed over
	// the probed utterances.
	StatsPath string
}

// ProbeResult reports what the probe observed.
type ProbeResult struct {
	RawDim     int
	Utterances int
}

// Reader produces the feature stream of a shard. Breaking out of the
// returned sequence early must release the underlying process.
type Reader interface {
	ReadShard(ctx context.Context, shard manifest.Shard, stats string) iter.Seq2[Utterance, error]
	Probe(ctx context.Context, req ProbeRequest) (ProbeResult, error)
}

// Multiplier returns the dimension expansion of a feature type.
func Multiplier(featType string) (int, error) {
	switch featType {
	case TypeRaw:
		return 1, nil
	case TypeDelta:
		return 3, nil
	default:
		return 0, &dataerr.ConfigError{Field: "features.feat_type", Reason: "feat_type " + featType + " not supported"}
	}
}

// OutputDim is the dimension of spliced frames built from rawDim inputs.
func OutputDim(rawDim int, featType string, contextWidth int) (int, error) {
	mult, err := Multiplier(featType)
	if err != nil {
		return 0, err
	}
	return rawDim * mult * (2*contextWidth + 1), nil
}
