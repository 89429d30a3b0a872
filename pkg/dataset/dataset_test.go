package dataset

import (
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLines(t *testing.T, fs afero.Fs, path string, lines ...string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func jsonlRecords(n int, prefix string) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf(`{"text": "%s prompt %d", "summary": "%s summary %d"}`, prefix, i, prefix, i)
	}
	return lines
}

func TestLoadSplitFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/data/train.jsonl", jsonlRecords(5, "train")...)
	writeLines(t, fs, "/data/validation.jsonl", jsonlRecords(3, "val")...)
	writeLines(t, fs, "/data/test.jsonl", jsonlRecords(2, "test")...)

	splits, err := Load(fs, Config{Dir: "/data"})
	require.NoError(t, err)
	assert.Len(t, splits.Train, 5)
	assert.Len(t, splits.Validation, 3)
	assert.Len(t, splits.Test, 2)
	assert.Equal(t, "train prompt 0", splits.Train[0].Prompt)
	assert.Equal(t, "train summary 0", splits.Train[0].Summary)
}

func TestLoadSplitFilesTruncated(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/data/train.jsonl", jsonlRecords(10, "train")...)

	splits, err := Load(fs, Config{Dir: "/data", TrainSize: 4})
	require.NoError(t, err)
	assert.Len(t, splits.Train, 4)
	assert.Empty(t, splits.Validation)
}

func TestLoadSingleFilePartition(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/data/corpus.jsonl", jsonlRecords(20, "all")...)

	splits, err := Load(fs, Config{Dir: "/data", TrainSize: 12, ValidationSize: 5, TestSize: 3})
	require.NoError(t, err)
	assert.Len(t, splits.Train, 12)
	assert.Len(t, splits.Validation, 5)
	assert.Len(t, splits.Test, 3)

	// Head-first partition: splits are consecutive slices of the file.
	assert.Equal(t, "all prompt 0", splits.Train[0].Prompt)
	assert.Equal(t, "all prompt 12", splits.Validation[0].Prompt)
	assert.Equal(t, "all prompt 17", splits.Test[0].Prompt)
}

func TestLoadSingleFileTooSmall(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/data/corpus.jsonl", jsonlRecords(5, "all")...)

	_, err := Load(fs, Config{Dir: "/data", TrainSize: 10, ValidationSize: 2, TestSize: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need 14")
}

func TestLoadAmbiguousFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/data/a.jsonl", jsonlRecords(1, "a")...)
	writeLines(t, fs, "/data/b.jsonl", jsonlRecords(1, "b")...)

	_, err := Load(fs, Config{Dir: "/data"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple .jsonl files")
}

func TestLoadNoFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	_, err := Load(fs, Config{Dir: "/data"})
	require.Error(t, err)
}

func TestLoadCustomFieldNames(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/data/train.jsonl",
		`{"article": "long article", "highlights": "short version"}`,
	)

	splits, err := Load(fs, Config{Dir: "/data", PromptField: "article", SummaryField: "highlights"})
	require.NoError(t, err)
	require.Len(t, splits.Train, 1)
	assert.Equal(t, "long article", splits.Train[0].Prompt)
	assert.Equal(t, "short version", splits.Train[0].Summary)
}

func TestLoadMalformedLinesAggregated(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/data/train.jsonl",
		`{"text": "good", "summary": "s"}`,
		`not json at all`,
		`{"summary": "missing prompt"}`,
		`{"text": "", "summary": "empty prompt"}`,
	)

	_, err := Load(fs, Config{Dir: "/data"})
	require.Error(t, err)
	// All three bad lines show up in the aggregate.
	assert.Contains(t, err.Error(), "line 2")
	assert.Contains(t, err.Error(), "line 3")
	assert.Contains(t, err.Error(), "line 4")
}

func TestLoadErrorCap(t *testing.T) {
	fs := afero.NewMemMapFs()
	lines := make([]string, 30)
	for i := range lines {
		lines[i] = "broken"
	}
	lines = append(lines, `{"text": "good"}`)
	writeLines(t, fs, "/data/train.jsonl", lines...)

	_, err := Load(fs, Config{Dir: "/data"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suppressed")
}

func TestLoadSkipsBlankLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/data/train.jsonl",
		`{"text": "one"}`,
		``,
		`   `,
		`{"text": "two"}`,
	)

	splits, err := Load(fs, Config{Dir: "/data"})
	require.NoError(t, err)
	assert.Len(t, splits.Train, 2)
}

func TestShuffleDeterministic(t *testing.T) {
	base := make([]Record, 50)
	for i := range base {
		base[i] = Record{Prompt: fmt.Sprintf("p%d", i)}
	}

	a := append([]Record{}, base...)
	b := append([]Record{}, base...)
	Shuffle(a, 123)
	Shuffle(b, 123)
	assert.Equal(t, a, b)

	c := append([]Record{}, base...)
	Shuffle(c, 456)
	assert.NotEqual(t, a, c)

	// Same multiset either way.
	seen := map[string]bool{}
	for _, r := range a {
		seen[r.Prompt] = true
	}
	assert.Len(t, seen, len(base))
}

func TestBatches(t *testing.T) {
	records := make([]Record, 7)
	for i := range records {
		records[i] = Record{Prompt: fmt.Sprintf("p%d", i)}
	}

	batches := Batches(records, 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "p6", batches[2][0].Prompt)

	assert.Nil(t, Batches(nil, 3))
	assert.Nil(t, Batches(records, 0))
}
