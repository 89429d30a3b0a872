package grpo_tuner

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"

	cp "github.com/otiai10/copy"
	"github.com/pkg/errors"

	"github.com/kiln-project/kiln/pkg/afero"
	"github.com/kiln-project/kiln/pkg/constants"
	"github.com/kiln-project/kiln/pkg/dataset"
	"github.com/kiln-project/kiln/pkg/hfutil/hub"
	"github.com/kiln-project/kiln/pkg/logging"
	"github.com/kiln-project/kiln/pkg/model"
	"github.com/kiln-project/kiln/pkg/tokenizer"
	"github.com/kiln-project/kiln/pkg/trainer/grpo"
	"github.com/kiln-project/kiln/pkg/trainer/reward"
	"github.com/kiln-project/kiln/pkg/zipper"
)

const (
	adapterExportDir = "adapter"
	mergedExportDir  = "merged"
)

// snapshotFiles are copied from the base snapshot into exports so the output
// directory is loadable on its own.
var snapshotFiles = []string{
	model.ConfigFileName,
	tokenizer.TokenizerFileName,
	tokenizer.TokenizerConfigFileName,
}

// GRPOTuner fine-tunes a causal LM with low-rank adapters using the GRPO
// policy-gradient loop, then exports the result.
type GRPOTuner struct {
	logger logging.Interface
	Config Config
	hub    *hub.HubClient
	fs     afero.Fs
}

// NewGRPOTuner constructs the tuner from the given configuration.
func NewGRPOTuner(config *Config, hubClient *hub.HubClient, fs afero.Fs) (*GRPOTuner, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid grpo tuner config")
	}
	return &GRPOTuner{
		logger: config.AnotherLogger,
		Config: *config,
		hub:    hubClient,
		fs:     fs,
	}, nil
}

// Start runs the full pipeline: fetch model and dataset, train adapters,
// export. Panics from the numeric stack surface as errors.
func (t *GRPOTuner) Start() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("grpo tuner panicked: %v", r)
		}
	}()

	ctx := context.Background()

	modelDir, err := t.resolveModelDir(ctx)
	if err != nil {
		return err
	}
	datasetDir, err := t.resolveDatasetDir(ctx)
	if err != nil {
		return err
	}

	t.logger.WithField("dataset_dir", datasetDir).Info("Loading dataset")
	splits, err := dataset.Load(t.fs, dataset.Config{
		Dir:            datasetDir,
		PromptField:    t.Config.Dataset.PromptField,
		SummaryField:   t.Config.Dataset.SummaryField,
		TrainSize:      t.Config.Dataset.TrainSize,
		ValidationSize: t.Config.Dataset.ValidationSize,
		TestSize:       t.Config.Dataset.TestSize,
	})
	if err != nil {
		return errors.Wrap(err, "loading dataset")
	}
	t.logger.
		WithField("train", len(splits.Train)).
		WithField("validation", len(splits.Validation)).
		WithField("test", len(splits.Test)).
		Info("Dataset loaded")

	t.logger.WithField("model_dir", modelDir).Info("Loading tokenizer and base model")
	tok, err := tokenizer.FromSnapshot(modelDir)
	if err != nil {
		return errors.Wrap(err, "loading tokenizer")
	}
	mdl, err := model.Load(t.fs, modelDir)
	if err != nil {
		return errors.Wrap(err, "loading base model")
	}
	if tok.VocabSize() > mdl.Config.VocabSize {
		return errors.Errorf("tokenizer vocabulary (%d) exceeds model vocabulary (%d)", tok.VocabSize(), mdl.Config.VocabSize)
	}

	rng := rand.New(rand.NewSource(t.Config.Training.Seed))
	if err := mdl.AttachAdapters(t.Config.Adapter, rng); err != nil {
		return errors.Wrap(err, "attaching adapters")
	}
	t.logger.
		WithField("rank", t.Config.Adapter.Rank).
		WithField("alpha", t.Config.Adapter.Alpha).
		WithField("target_modules", t.Config.Adapter.TargetModules).
		Info("Adapters attached")

	fns, err := reward.Resolve(t.Config.Rewards)
	if err != nil {
		return err
	}

	trainer, err := grpo.New(mdl, tok, reward.Combine(fns), t.Config.Adapter, t.Config.Training, t.logger, t.fs)
	if err != nil {
		return errors.Wrap(err, "building trainer")
	}
	if err := trainer.Train(ctx, splits); err != nil {
		return errors.Wrap(err, "training")
	}

	if len(splits.Test) > 0 {
		testMean, testCount, err := trainer.Evaluate(ctx, splits.Test)
		if err != nil {
			return errors.Wrap(err, "test evaluation")
		}
		t.logger.
			WithField("test_reward_mean", testMean).
			WithField("test_samples", testCount).
			Info("Test evaluation")
	}

	return t.export(mdl, modelDir)
}

// resolveModelDir returns the local snapshot, downloading it when only a hub
// id is configured.
func (t *GRPOTuner) resolveModelDir(ctx context.Context) (string, error) {
	if t.Config.Model.LocalDir != "" {
		return t.Config.Model.LocalDir, nil
	}
	t.logger.WithField("model", t.Config.Model.ID).Info("Downloading base model snapshot")
	opts := []hub.DownloadOption{}
	if t.Config.Model.Revision != "" {
		opts = append(opts, hub.WithRevision(t.Config.Model.Revision))
	}
	dir, err := t.hub.SnapshotDownload(ctx, t.Config.Model.ID, filepath.Join(t.Config.DownloadDir, "model"), opts...)
	if err != nil {
		return "", errors.Wrapf(err, "downloading model %s", t.Config.Model.ID)
	}
	return dir, nil
}

// resolveDatasetDir mirrors resolveModelDir for the dataset repository.
func (t *GRPOTuner) resolveDatasetDir(ctx context.Context) (string, error) {
	if t.Config.Dataset.LocalDir != "" {
		return t.Config.Dataset.LocalDir, nil
	}
	t.logger.WithField("dataset", t.Config.Dataset.ID).Info("Downloading dataset snapshot")
	opts := []hub.DownloadOption{hub.WithRepoType(hub.RepoTypeDataset)}
	if t.Config.Dataset.Revision != "" {
		opts = append(opts, hub.WithRevision(t.Config.Dataset.Revision))
	}
	dir, err := t.hub.SnapshotDownload(ctx, t.Config.Dataset.ID, filepath.Join(t.Config.DownloadDir, "dataset"), opts...)
	if err != nil {
		return "", errors.Wrapf(err, "downloading dataset %s", t.Config.Dataset.ID)
	}
	return dir, nil
}

// export writes the trained adapter (and optionally the merged model) next to
// the training artifacts, then packages the output directory when configured.
func (t *GRPOTuner) export(mdl *model.Model, modelDir string) error {
	outputDir := t.Config.Training.OutputDir

	adapterDir := filepath.Join(outputDir, adapterExportDir)
	if err := mdl.SaveAdapters(t.fs, adapterDir, t.Config.Adapter); err != nil {
		return errors.Wrap(err, "exporting adapter")
	}
	if err := t.copySnapshotFiles(modelDir, adapterDir); err != nil {
		return err
	}
	t.logger.WithField("dir", adapterDir).Info("Adapter exported")

	if t.Config.MergeAdapters {
		mergedDir := filepath.Join(outputDir, mergedExportDir)
		if err := t.fs.MkdirAll(mergedDir, 0o755); err != nil {
			return errors.Wrapf(err, "creating merged export directory %s", mergedDir)
		}
		mdl.MergeAdapters()
		if err := model.SaveSafetensors(t.fs, filepath.Join(mergedDir, model.WeightsFileName), mdl.TensorMap(), nil); err != nil {
			return errors.Wrap(err, "exporting merged model")
		}
		if err := t.copySnapshotFiles(modelDir, mergedDir); err != nil {
			return err
		}
		t.logger.WithField("dir", mergedDir).Info("Merged model exported")
	}

	if t.Config.PackageOutput {
		archive := outputDir + constants.DefaultOutputArchiveSuffix
		if err := zipper.ZipDirectory(outputDir, archive); err != nil {
			return errors.Wrap(err, "packaging output")
		}
		t.logger.WithField("archive", archive).Info("Output packaged")
	}
	return nil
}

// copySnapshotFiles copies config and tokenizer files from the base snapshot
// into an export directory, skipping ones the snapshot doesn't have.
func (t *GRPOTuner) copySnapshotFiles(modelDir, destDir string) error {
	for _, name := range snapshotFiles {
		src := filepath.Join(modelDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := cp.Copy(src, filepath.Join(destDir, name)); err != nil {
			return errors.Wrapf(err, "copying %s into %s", name, destDir)
		}
	}
	return nil
}
