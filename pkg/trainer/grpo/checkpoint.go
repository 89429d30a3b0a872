package grpo

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kiln-project/kiln/pkg/model"
)

const (
	checkpointPrefix         = "checkpoint-"
	trainerStateFileName     = "trainer_state.json"
	optimizerStateFileName   = "optimizer.safetensors"
	checkpointDirPermissions = 0o755
)

var checkpointDirPattern = regexp.MustCompile(`^checkpoint-(\d+)$`)

// trainerState is the resumable position of a run.
type trainerState struct {
	RunID      string  `json:"run_id"`
	Step       int     `json:"global_step"`
	Epoch      int     `json:"epoch"`
	BatchIndex int     `json:"batch_index"`
	LR         float64 `json:"learning_rate"`
}

// saveCheckpoint writes adapters, optimizer moments and the trainer position
// under <output>/checkpoint-<step>/.
func (t *Trainer) saveCheckpoint(state trainerState) error {
	dir := filepath.Join(t.cfg.OutputDir, fmt.Sprintf("%s%d", checkpointPrefix, state.Step))
	if err := t.fs.MkdirAll(dir, checkpointDirPermissions); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory %s", dir)
	}

	if err := t.model.SaveAdapters(t.fs, dir, t.adapterCfg); err != nil {
		return errors.Wrap(err, "saving adapter weights")
	}

	// Mixed precision halves checkpoint storage; full precision keeps the
	// optimizer moments exact across a resume.
	dtype := "F32"
	if !t.cfg.MixedPrecision {
		dtype = "F64"
	}
	optState := t.opt.StateTensors(t.params)
	if err := model.SaveSafetensorsAs(t.fs, filepath.Join(dir, optimizerStateFileName), optState, nil, dtype); err != nil {
		return errors.Wrap(err, "saving optimizer state")
	}

	stateJSON, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding trainer state")
	}
	if err := afero.WriteFile(t.fs, filepath.Join(dir, trainerStateFileName), stateJSON, 0o644); err != nil {
		return errors.Wrap(err, "writing trainer state")
	}

	t.logger.WithField("checkpoint", dir).WithField("step", state.Step).Info("Checkpoint saved")
	return nil
}

// latestCheckpoint returns the checkpoint directory with the highest step, or
// "" when none exists.
func latestCheckpoint(fs afero.Fs, outputDir string) (string, int, error) {
	entries, err := afero.ReadDir(fs, outputDir)
	if err != nil {
		if ok, _ := afero.DirExists(fs, outputDir); !ok {
			return "", 0, nil
		}
		return "", 0, errors.Wrapf(err, "reading output directory %s", outputDir)
	}
	best, bestStep := "", -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := checkpointDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		step, err := strconv.Atoi(m[1])
		if err != nil || step <= bestStep {
			continue
		}
		best, bestStep = filepath.Join(outputDir, e.Name()), step
	}
	if best == "" {
		return "", 0, nil
	}
	return best, bestStep, nil
}

// restoreCheckpoint loads adapters, optimizer moments and the trainer
// position from a checkpoint directory.
func (t *Trainer) restoreCheckpoint(dir string) (trainerState, error) {
	var state trainerState
	data, err := afero.ReadFile(t.fs, filepath.Join(dir, trainerStateFileName))
	if err != nil {
		return state, errors.Wrapf(err, "reading trainer state in %s", dir)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, errors.Wrap(err, "parsing trainer state")
	}

	if _, err := t.model.LoadAdapters(t.fs, dir, t.rng); err != nil {
		return state, errors.Wrap(err, "restoring adapter weights")
	}
	t.params = t.model.AdapterParams()

	optState, err := model.LoadSafetensors(t.fs, filepath.Join(dir, optimizerStateFileName))
	if err != nil {
		return state, errors.Wrap(err, "reading optimizer state")
	}
	if err := t.opt.LoadStateTensors(t.params, optState); err != nil {
		return state, errors.Wrap(err, "restoring optimizer state")
	}

	t.logger.WithField("checkpoint", dir).WithField("step", state.Step).Info("Resumed from checkpoint")
	return state, nil
}
