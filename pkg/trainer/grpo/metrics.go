package grpo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// MetricsFileName is the append-only JSONL training log inside the output
// directory.
const MetricsFileName = "trainer_state.jsonl"

// StepMetrics is one optimizer-step record in the training log.
type StepMetrics struct {
	RunID             string  `json:"run_id"`
	Step              int     `json:"step"`
	Epoch             int     `json:"epoch"`
	Loss              float64 `json:"loss"`
	RewardMean        float64 `json:"reward_mean"`
	RewardStd         float64 `json:"reward_std"`
	CompletionLenMean float64 `json:"completion_len_mean"`
	GradNorm          float64 `json:"grad_norm"`
	LearningRate      float64 `json:"learning_rate"`
	Timestamp         string  `json:"timestamp"`
}

// EvalMetrics is one validation record in the training log.
type EvalMetrics struct {
	RunID      string  `json:"run_id"`
	Step       int     `json:"step"`
	Epoch      int     `json:"epoch"`
	Split      string  `json:"split"`
	RewardMean float64 `json:"eval_reward_mean"`
	Samples    int     `json:"eval_samples"`
	Timestamp  string  `json:"timestamp"`
}

// metricsLog appends JSONL records to the training log.
type metricsLog struct {
	file afero.File
	enc  *json.Encoder
}

func openMetricsLog(fs afero.Fs, dir string) (*metricsLog, error) {
	path := filepath.Join(dir, MetricsFileName)
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics log %s", path)
	}
	return &metricsLog{file: f, enc: json.NewEncoder(f)}, nil
}

func (l *metricsLog) append(record interface{}) error {
	if err := l.enc.Encode(record); err != nil {
		return errors.Wrap(err, "appending metrics record")
	}
	return nil
}

func (l *metricsLog) close() error {
	return l.file.Close()
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339) }
