package configutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leafConfig = `imports:
  - intermediate.yaml

a:
  b: 1
`

const intermediateConfig = `imports:
  - root.yaml
  -

a:
  c: 2
`

const rootConfig = `
a:
  b: 2
  d: 3
`

const expectedConfig = `a:
    b: 1
    c: 2
    d: 3
imports:
    - intermediate.yaml
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0666))
	return path
}

func TestConfigFileImports(t *testing.T) {
	t.Run("should import config files correctly", func(t *testing.T) {
		v := viper.New()
		tempDir := t.TempDir()

		leafConfigPath := writeConfig(t, tempDir, "leaf.yaml", leafConfig)
		writeConfig(t, tempDir, "intermediate.yaml", intermediateConfig)
		writeConfig(t, tempDir, "root.yaml", rootConfig)

		err := ResolveAndMergeFile(v, leafConfigPath)
		assert.NoError(t, err, "should not error creating config")

		outputConfigPath := filepath.Join(tempDir, "assert.yaml")
		require.NoError(t, v.WriteConfigAs(outputConfigPath))

		writtenConfig, err := os.ReadFile(outputConfigPath)
		assert.NoError(t, err, "should not error reading config file")
		assert.Equal(t, expectedConfig, string(writtenConfig))
	})

	t.Run("should error when importing nonexistent configs", func(t *testing.T) {
		v := viper.New()
		tempDir := t.TempDir()

		nonexistentConfigPath := filepath.Join(tempDir, "nonexistent.yaml")
		badConfig := fmt.Sprintf("imports:\n- \"%s\"", nonexistentConfigPath)
		configPath := writeConfig(t, tempDir, "test.yaml", badConfig)

		err := ResolveAndMergeFile(v, configPath)
		assert.Error(t, err, "should error creating config")
		assert.Contains(t, err.Error(), "no such file or directory")
	})

	t.Run("should error when importing malformed configs", func(t *testing.T) {
		v := viper.New()
		tempDir := t.TempDir()

		leafConfigPath := writeConfig(t, tempDir, "leaf.yaml", leafConfig)
		writeConfig(t, tempDir, "intermediate.yaml", "malformed")

		err := ResolveAndMergeFile(v, leafConfigPath)
		assert.Error(t, err, "should error creating config")
		assert.Contains(t, err.Error(), "could not resolve configuration imports")
	})

	t.Run("should surface error when it occurs in child config", func(t *testing.T) {
		v := viper.New()
		tempDir := t.TempDir()

		leafConfigPath := writeConfig(t, tempDir, "leaf.yaml", leafConfig)
		// the root config referenced by the intermediate config does not exist
		writeConfig(t, tempDir, "intermediate.yaml", intermediateConfig)

		err := ResolveAndMergeFile(v, leafConfigPath)
		assert.Error(t, err, "should error creating config")
		assert.Contains(t, err.Error(), "no such file or directory")
	})
}

type nestedConfig struct {
	Name    string        `mapstructure:"name"`
	Trainer *innerSection `mapstructure:"trainer"`
	skipped string        //nolint:unused // no mapstructure tag, must be ignored
}

type innerSection struct {
	LearningRate float64 `mapstructure:"learning_rate"`
}

func TestBindEnvsRecursive(t *testing.T) {
	v := viper.New()
	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	t.Setenv("KILN_TRAINER_LEARNING_RATE", "0.5")

	c := &nestedConfig{}
	require.NoError(t, BindEnvsRecursive(v, c, ""))
	require.NoError(t, v.Unmarshal(c))

	assert.Equal(t, 0.5, c.Trainer.LearningRate)
}
