// Package reward defines completion scoring functions for policy-gradient
// training and a registry to resolve them by name.
package reward

import (
	"math"
	"sort"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// DefaultTargetLength is the character count the length reward steers
// completions toward.
const DefaultTargetLength = 50

// Func scores a batch of completion texts. Scores are finite; higher is
// better, with the maximum at 0 for distance-based rewards.
type Func func(completions []string) []float64

// LengthReward returns a reward of -|target - len(completion)| where length
// is counted in runes, so multi-byte characters score the same as ASCII.
func LengthReward(target int) Func {
	return func(completions []string) []float64 {
		out := make([]float64, len(completions))
		for i, c := range completions {
			out[i] = -math.Abs(float64(target - utf8.RuneCountInString(c)))
		}
		return out
	}
}

var registry = map[string]Func{
	"length": LengthReward(DefaultTargetLength),
}

// Register adds a named reward function. Registering an existing name
// replaces it.
func Register(name string, fn Func) {
	registry[name] = fn
}

// Names returns the registered reward names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps reward names to functions, failing on the first unknown name.
func Resolve(names []string) ([]Func, error) {
	if len(names) == 0 {
		return nil, errors.New("at least one reward function is required")
	}
	out := make([]Func, 0, len(names))
	for _, name := range names {
		fn, ok := registry[name]
		if !ok {
			return nil, errors.Errorf("unknown reward function %q, registered: %v", name, Names())
		}
		out = append(out, fn)
	}
	return out, nil
}

// Combine sums the scores of multiple reward functions per completion.
func Combine(fns []Func) Func {
	return func(completions []string) []float64 {
		total := make([]float64, len(completions))
		for _, fn := range fns {
			for i, s := range fn(completions) {
				total[i] += s
			}
		}
		return total
	}
}
