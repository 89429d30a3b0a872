// Package dataset loads JSONL prompt/summary corpora and partitions them into
// train, validation and test splits.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Record is one training example.
type Record struct {
	Prompt  string
	Summary string
}

// Splits holds the three dataset partitions.
type Splits struct {
	Train      []Record
	Validation []Record
	Test       []Record
}

// Config controls loading and partitioning.
type Config struct {
	// Dir holds either split files (train.jsonl, validation.jsonl,
	// test.jsonl) or a single .jsonl file that gets partitioned head-first.
	Dir string `mapstructure:"dir" validate:"required"`

	// PromptField and SummaryField name the JSON keys carrying the text.
	PromptField  string `mapstructure:"prompt_field"`
	SummaryField string `mapstructure:"summary_field"`

	TrainSize      int `mapstructure:"train_size" validate:"gte=0"`
	ValidationSize int `mapstructure:"validation_size" validate:"gte=0"`
	TestSize       int `mapstructure:"test_size" validate:"gte=0"`
}

// DefaultConfig matches the summarization corpus layout.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		PromptField:    "text",
		SummaryField:   "summary",
		TrainSize:      2000,
		ValidationSize: 200,
		TestSize:       200,
	}
}

const maxParseErrors = 10

var splitFileNames = map[string]string{
	"train":      "train.jsonl",
	"validation": "validation.jsonl",
	"test":       "test.jsonl",
}

// Load reads the corpus from cfg.Dir. Per-split files take precedence; a
// single JSONL file is partitioned head-first into train/validation/test of
// the configured sizes.
func Load(fs afero.Fs, cfg Config) (*Splits, error) {
	if cfg.PromptField == "" {
		cfg.PromptField = "text"
	}
	if cfg.SummaryField == "" {
		cfg.SummaryField = "summary"
	}

	if ok, _ := afero.Exists(fs, filepath.Join(cfg.Dir, splitFileNames["train"])); ok {
		return loadSplitFiles(fs, cfg)
	}
	return loadSingleFile(fs, cfg)
}

func loadSplitFiles(fs afero.Fs, cfg Config) (*Splits, error) {
	splits := &Splits{}
	for split, dest := range map[string]*[]Record{
		"train":      &splits.Train,
		"validation": &splits.Validation,
		"test":       &splits.Test,
	} {
		path := filepath.Join(cfg.Dir, splitFileNames[split])
		if ok, _ := afero.Exists(fs, path); !ok {
			continue
		}
		records, err := readJSONL(fs, path, cfg)
		if err != nil {
			return nil, err
		}
		*dest = records
	}
	splits.Train = truncateSplit(splits.Train, cfg.TrainSize)
	splits.Validation = truncateSplit(splits.Validation, cfg.ValidationSize)
	splits.Test = truncateSplit(splits.Test, cfg.TestSize)
	if len(splits.Train) == 0 {
		return nil, errors.Errorf("no training records found in %s", cfg.Dir)
	}
	return splits, nil
}

func loadSingleFile(fs afero.Fs, cfg Config) (*Splits, error) {
	path, err := findSingleJSONL(fs, cfg.Dir)
	if err != nil {
		return nil, err
	}
	records, err := readJSONL(fs, path, cfg)
	if err != nil {
		return nil, err
	}

	need := cfg.TrainSize + cfg.ValidationSize + cfg.TestSize
	if len(records) < need {
		return nil, errors.Errorf("dataset %s has %d records, need %d for the configured splits", path, len(records), need)
	}
	return &Splits{
		Train:      records[:cfg.TrainSize],
		Validation: records[cfg.TrainSize : cfg.TrainSize+cfg.ValidationSize],
		Test:       records[cfg.TrainSize+cfg.ValidationSize : need],
	}, nil
}

func findSingleJSONL(fs afero.Fs, dir string) (string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return "", errors.Wrapf(err, "reading dataset directory %s", dir)
	}
	var candidates []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			candidates = append(candidates, e.Name())
		}
	}
	switch len(candidates) {
	case 0:
		return "", errors.Errorf("no .jsonl files found in %s", dir)
	case 1:
		return filepath.Join(dir, candidates[0]), nil
	default:
		sort.Strings(candidates)
		return "", errors.Errorf("multiple .jsonl files in %s (%v) and no train.jsonl", dir, candidates)
	}
}

// readJSONL parses one record per line. Malformed lines and records missing
// the prompt field are aggregated into a single error, capped so a corrupt
// file doesn't produce thousands of entries.
func readJSONL(fs afero.Fs, path string, cfg Config) ([]Record, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening dataset file %s", path)
	}
	defer f.Close()

	var records []Record
	var parseErrs *multierror.Error
	errCount := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			errCount++
			if errCount <= maxParseErrors {
				parseErrs = multierror.Append(parseErrs, fmt.Errorf("line %d: %w", lineNo, err))
			}
			continue
		}
		prompt := stringField(fields, cfg.PromptField)
		if prompt == "" {
			errCount++
			if errCount <= maxParseErrors {
				parseErrs = multierror.Append(parseErrs, fmt.Errorf("line %d: missing or empty field %q", lineNo, cfg.PromptField))
			}
			continue
		}
		records = append(records, Record{
			Prompt:  prompt,
			Summary: stringField(fields, cfg.SummaryField),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "scanning dataset file %s", path)
	}
	if errCount > maxParseErrors {
		parseErrs = multierror.Append(parseErrs, fmt.Errorf("%d further malformed records suppressed", errCount-maxParseErrors))
	}
	if err := parseErrs.ErrorOrNil(); err != nil {
		return nil, errors.Wrapf(err, "parsing dataset file %s", path)
	}
	return records, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func truncateSplit(records []Record, size int) []Record {
	if size > 0 && len(records) > size {
		return records[:size]
	}
	return records
}

// Shuffle permutes records in place with a seeded generator so epoch order is
// reproducible.
func Shuffle(records []Record, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(records), func(i, j int) {
		records[i], records[j] = records[j], records[i]
	})
}

// Batches partitions records into consecutive batches of size n; the final
// batch may be short.
func Batches(records []Record, n int) [][]Record {
	if n <= 0 || len(records) == 0 {
		return nil
	}
	out := make([][]Record, 0, (len(records)+n-1)/n)
	for start := 0; start < len(records); start += n {
		end := start + n
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}
