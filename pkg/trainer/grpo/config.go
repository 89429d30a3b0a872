package grpo

import "github.com/pkg/errors"

// Config holds the training hyperparameters.
type Config struct {
	LearningRate     float64 `mapstructure:"learning_rate" validate:"gt=0"`
	BatchSize        int     `mapstructure:"batch_size" validate:"gt=0"`
	AccumSteps       int     `mapstructure:"gradient_accumulation_steps" validate:"gt=0"`
	MaxPromptLen     int     `mapstructure:"max_prompt_length" validate:"gt=0"`
	MaxCompletionLen int     `mapstructure:"max_completion_length" validate:"gt=0"`
	NumGenerations   int     `mapstructure:"num_generations" validate:"gt=1"`
	Epochs           int     `mapstructure:"num_train_epochs" validate:"gt=0"`
	Optimizer        string  `mapstructure:"optim"`
	WeightDecay      float64 `mapstructure:"weight_decay" validate:"gte=0"`
	GradClipNorm     float64 `mapstructure:"max_grad_norm"`
	Temperature      float64 `mapstructure:"temperature"`
	TopK             int     `mapstructure:"top_k"`
	TopP             float64 `mapstructure:"top_p"`
	OutputDir        string  `mapstructure:"output_dir" validate:"required"`
	CheckpointSteps  int     `mapstructure:"save_steps"`
	EvalSamples      int     `mapstructure:"eval_samples"`
	Seed             int64   `mapstructure:"seed"`
	Resume           bool    `mapstructure:"resume_from_checkpoint"`

	// MixedPrecision controls checkpoint storage width: float32 when set,
	// float64 otherwise. Arithmetic is float64 either way.
	MixedPrecision bool `mapstructure:"mixed_precision"`
}

// DefaultConfig returns the summarization fine-tune recipe.
func DefaultConfig() Config {
	return Config{
		LearningRate:     2e-5,
		BatchSize:        8,
		AccumSteps:       2,
		MaxPromptLen:     512,
		MaxCompletionLen: 96,
		NumGenerations:   8,
		Epochs:           1,
		Optimizer:        OptimizerAdamW8bit,
		WeightDecay:      0.0,
		GradClipNorm:     1.0,
		Temperature:      1.0,
		TopK:             50,
		TopP:             1.0,
		OutputDir:        "GRPO",
		CheckpointSteps:  50,
		EvalSamples:      32,
		Seed:             42,
		MixedPrecision:   true,
	}
}

// Validate rejects configurations the training loop cannot honor.
func (c *Config) Validate() error {
	switch {
	case c.LearningRate <= 0:
		return errors.New("learning rate must be positive")
	case c.BatchSize <= 0:
		return errors.New("batch size must be positive")
	case c.AccumSteps <= 0:
		return errors.New("gradient accumulation steps must be positive")
	case c.NumGenerations < 2:
		return errors.New("num_generations must be at least 2 for group-relative advantages")
	case c.MaxPromptLen <= 0 || c.MaxCompletionLen <= 0:
		return errors.New("prompt and completion length limits must be positive")
	case c.Epochs <= 0:
		return errors.New("epoch count must be positive")
	case c.OutputDir == "":
		return errors.New("output directory is required")
	}
	return nil
}
