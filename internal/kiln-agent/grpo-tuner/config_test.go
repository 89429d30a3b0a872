package grpo_tuner

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kilntesting "github.com/kiln-project/kiln/pkg/testing"
)

func TestWithViperDefaults(t *testing.T) {
	v := viper.New()
	v.Set("model.id", "sshleifer/tiny-gpt2")
	v.Set("dataset.id", "some/summaries")

	cfg, err := NewGRPOTunerConfig(WithViper(v))
	require.NoError(t, err)

	assert.Equal(t, "sshleifer/tiny-gpt2", cfg.Model.ID)
	assert.Equal(t, "some/summaries", cfg.Dataset.ID)

	// Defaults survive unmarshalling.
	assert.Equal(t, "text", cfg.Dataset.PromptField)
	assert.Equal(t, "summary", cfg.Dataset.SummaryField)
	assert.Equal(t, 2000, cfg.Dataset.TrainSize)
	assert.Equal(t, 200, cfg.Dataset.ValidationSize)
	assert.Equal(t, 200, cfg.Dataset.TestSize)
	assert.Equal(t, 16, cfg.Adapter.Rank)
	assert.Equal(t, 32.0, cfg.Adapter.Alpha)
	assert.Equal(t, []string{"all-linear"}, cfg.Adapter.TargetModules)
	assert.Equal(t, 2e-5, cfg.Training.LearningRate)
	assert.Equal(t, 8, cfg.Training.BatchSize)
	assert.Equal(t, 2, cfg.Training.AccumSteps)
	assert.Equal(t, 512, cfg.Training.MaxPromptLen)
	assert.Equal(t, 96, cfg.Training.MaxCompletionLen)
	assert.Equal(t, 8, cfg.Training.NumGenerations)
	assert.Equal(t, 1, cfg.Training.Epochs)
	assert.Equal(t, "GRPO", cfg.Training.OutputDir)
	assert.Equal(t, []string{"length"}, cfg.Rewards)

	require.NoError(t, cfg.Validate())
}

func TestWithViperOverrides(t *testing.T) {
	v := viper.New()
	v.Set("model.local_dir", "/models/tiny")
	v.Set("dataset.local_dir", "/datasets/sum")
	v.Set("lora.rank", 8)
	v.Set("lora.alpha", 16)
	v.Set("training.learning_rate", 1e-4)
	v.Set("training.output_dir", "/out")
	v.Set("rewards", []string{"length"})

	cfg, err := NewGRPOTunerConfig(WithViper(v))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/models/tiny", cfg.Model.LocalDir)
	assert.Equal(t, 8, cfg.Adapter.Rank)
	assert.Equal(t, 16.0, cfg.Adapter.Alpha)
	assert.Equal(t, 1e-4, cfg.Training.LearningRate)
	assert.Equal(t, "/out", cfg.Training.OutputDir)
}

func TestConfigValidateRejectsMissingSources(t *testing.T) {
	v := viper.New()
	cfg, err := NewGRPOTunerConfig(WithViper(v))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.id or model.local_dir")

	cfg.Model.ID = "some/model"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dataset.id or dataset.local_dir")

	cfg.Dataset.LocalDir = "/data"
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateRejectsBadTraining(t *testing.T) {
	v := viper.New()
	v.Set("model.id", "m")
	v.Set("dataset.id", "d")
	v.Set("training.batch_size", 0)

	cfg, err := NewGRPOTunerConfig(WithViper(v))
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}

func TestNewGRPOTuner(t *testing.T) {
	v := viper.New()
	v.Set("model.local_dir", "/models/tiny")
	v.Set("dataset.local_dir", "/datasets/sum")

	mockLogger := kilntesting.SetupMockLogger()
	cfg, err := NewGRPOTunerConfig(WithViper(v), WithAnotherLog(mockLogger))
	require.NoError(t, err)

	tuner, err := NewGRPOTuner(cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, tuner)
	assert.Equal(t, "/models/tiny", tuner.Config.Model.LocalDir)
}

func TestNewGRPOTunerInvalidConfig(t *testing.T) {
	cfg, err := NewGRPOTunerConfig()
	require.NoError(t, err)

	_, err = NewGRPOTuner(cfg, nil, nil)
	require.Error(t, err)
}
