package grpo_tuner

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/kiln-project/kiln/pkg/configutils"
	"github.com/kiln-project/kiln/pkg/logging"
	"github.com/kiln-project/kiln/pkg/model"
	"github.com/kiln-project/kiln/pkg/trainer/grpo"
)

// ModelSpec points at the base model, either a hub repository or a local
// snapshot directory.
type ModelSpec struct {
	ID       string `mapstructure:"id"`
	Revision string `mapstructure:"revision"`
	LocalDir string `mapstructure:"local_dir"`
}

// DatasetSpec points at the training corpus, either a hub dataset repository
// or a local directory of JSONL files.
type DatasetSpec struct {
	ID           string `mapstructure:"id"`
	Revision     string `mapstructure:"revision"`
	LocalDir     string `mapstructure:"local_dir"`
	PromptField  string `mapstructure:"prompt_field"`
	SummaryField string `mapstructure:"summary_field"`

	TrainSize      int `mapstructure:"train_size" validate:"gte=0"`
	ValidationSize int `mapstructure:"validation_size" validate:"gte=0"`
	TestSize       int `mapstructure:"test_size" validate:"gte=0"`
}

type Config struct {
	AnotherLogger logging.Interface

	Model   ModelSpec   `mapstructure:"model"`
	Dataset DatasetSpec `mapstructure:"dataset"`

	Adapter  model.AdapterConfig `mapstructure:"lora"`
	Training grpo.Config         `mapstructure:"training"`

	Rewards []string `mapstructure:"rewards" validate:"min=1"`

	// DownloadDir receives hub snapshots when no local directories are
	// configured.
	DownloadDir string `mapstructure:"download_dir"`

	// MergeAdapters additionally exports the base weights with the adapter
	// deltas folded in.
	MergeAdapters bool `mapstructure:"merge_adapters"`

	// PackageOutput zips the output directory for upload after training.
	PackageOutput bool `mapstructure:"package_output"`
}

type Option func(*Config) error

// Apply applies the given options to the configuration.
func (c *Config) Apply(opts ...Option) error {
	for _, o := range opts {
		if o == nil {
			continue
		}

		if err := o(c); err != nil {
			return err
		}
	}
	return nil
}

// defaultConfig returns a new configuration with default values.
func defaultConfig() *Config {
	return &Config{
		Dataset: DatasetSpec{
			PromptField:    "text",
			SummaryField:   "summary",
			TrainSize:      2000,
			ValidationSize: 200,
			TestSize:       200,
		},
		Adapter:     model.DefaultAdapterConfig(),
		Training:    grpo.DefaultConfig(),
		Rewards:     []string{"length"},
		DownloadDir: "/tmp/kiln",
	}
}

// NewGRPOTunerConfig builds and returns a new configuration from the given options.
func NewGRPOTunerConfig(opts ...Option) (*Config, error) {
	c := &Config{}
	if err := c.Apply(opts...); err != nil {
		return nil, err
	}
	return c, nil
}

// WithAnotherLog sets the logger for the configuration.
func WithAnotherLog(logger logging.Interface) Option {
	return func(c *Config) error {
		c.AnotherLogger = logger
		return nil
	}
}

// WithViper sets the viper for the configuration.
func WithViper(v *viper.Viper) Option {
	return func(c *Config) error {
		*c = *defaultConfig()
		if err := configutils.BindEnvsRecursive(v, c, ""); err != nil {
			return fmt.Errorf("error occurred when binding environment variables: %+v", err)
		}

		if err := v.Unmarshal(c); err != nil {
			return fmt.Errorf("error occurred when unmarshalling config: %+v", err)
		}

		return nil
	}
}

func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Model.ID == "" && c.Model.LocalDir == "" {
		return fmt.Errorf("either model.id or model.local_dir must be set")
	}
	if c.Dataset.ID == "" && c.Dataset.LocalDir == "" {
		return fmt.Errorf("either dataset.id or dataset.local_dir must be set")
	}
	if err := c.Training.Validate(); err != nil {
		return err
	}
	return nil
}
