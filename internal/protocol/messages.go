package protocol

import "time"

// Phases of a pass reported in StepReport.
const (
	PhaseTrain = "train"
	PhaseTest  = "test"
)

// StepReport is the running state of a pass, emitted at the first step and
// every eval interval after it.
type StepReport struct {
	RunID        string    `json:"run_id"`
	Set          string    `json:"set"`
	Phase        string    `json:"phase"`
	Epoch        int       `json:"epoch"`
	Step         int       `json:"step"`
	AvgLoss      float64   `json:"avg_loss"`
	Rows         int64     `json:"rows"`
	Units        string    `json:"units"`
	RowsPerSec   float64   `json:"rows_per_sec"`
	PeekAccuracy float64   `json:"peek_accuracy"`
	Timestamp    time.Time `json:"timestamp"`
}

// EpochReport summarizes one training epoch and the decision taken on it.
type EpochReport struct {
	RunID        string    `json:"run_id"`
	Epoch        int       `json:"epoch"`
	LearningRate float64   `json:"learning_rate"`
	TrainLoss    float64   `json:"train_loss"`
	DevLoss      float64   `json:"dev_loss"`
	DevAccuracy  float64   `json:"dev_accuracy"`
	Accepted     bool      `json:"accepted"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectStepSuffix  = "step"
	SubjectEpochSuffix = "epoch"
)

// Subject joins a configured prefix with a message suffix.
func Subject(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
