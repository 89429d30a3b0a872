package model

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"

	"github.com/kiln-project/kiln/pkg/tensor"
)

// GenConfig controls autoregressive sampling.
type GenConfig struct {
	MaxNewTokens int
	Temperature  float64
	TopK         int
	TopP         float64
	EOSTokenID   int
}

// Generation is one sampled completion with the log-probability each token
// had at sampling time.
type Generation struct {
	TokenIDs []int
	LogProbs []float64
}

// SoftmaxProbs returns the max-shifted softmax of logits.
func SoftmaxProbs(logits []float64) []float64 {
	maxVal := math.Inf(-1)
	for _, l := range logits {
		if l > maxVal {
			maxVal = l
		}
	}
	probs := make([]float64, len(logits))
	total := 0.0
	for i, l := range logits {
		probs[i] = math.Exp(l - maxVal)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}
	return probs
}

// sampleTopKTopP filters probs to the top-k tokens, then to the smallest
// nucleus whose cumulative mass reaches topP, renormalizes and samples.
// Returns the chosen token and its probability under the filtered
// distribution.
func sampleTopKTopP(probs []float64, topK int, topP float64, rng *rand.Rand) (int, float64) {
	type cand struct {
		id   int
		prob float64
	}
	cands := make([]cand, len(probs))
	for i, p := range probs {
		cands[i] = cand{id: i, prob: p}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })

	if topK > 0 && topK < len(cands) {
		cands = cands[:topK]
	}
	if topP > 0 && topP < 1 {
		cum := 0.0
		cut := len(cands)
		for i, c := range cands {
			cum += c.prob
			if cum >= topP {
				cut = i + 1
				break
			}
		}
		cands = cands[:cut]
	}

	total := 0.0
	for _, c := range cands {
		total += c.prob
	}
	r := rng.Float64() * total
	for _, c := range cands {
		r -= c.prob
		if r <= 0 {
			return c.id, c.prob / total
		}
	}
	last := cands[len(cands)-1]
	return last.id, last.prob / total
}

// Generate samples a completion for the prompt. Sampling stops at EOS or
// MaxNewTokens. The forward passes run with gradient recording disabled.
func (m *Model) Generate(ctx context.Context, promptIDs []int, cfg GenConfig, rng *rand.Rand) (*Generation, error) {
	if len(promptIDs) == 0 {
		return nil, errors.New("prompt must contain at least one token")
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 1.0
	}

	gen := &Generation{}
	var genErr error
	tensor.NoGrad(func() {
		cache := m.NewCache()
		pos := 0
		var logits *tensor.Vec
		for _, id := range promptIDs {
			var err error
			logits, err = m.ForwardStep(id, pos, cache)
			if err != nil {
				genErr = err
				return
			}
			pos++
		}

		for step := 0; step < cfg.MaxNewTokens; step++ {
			if err := ctx.Err(); err != nil {
				genErr = err
				return
			}

			scaled := make([]float64, len(logits.Data))
			for i, l := range logits.Data {
				scaled[i] = l / temp
			}
			probs := SoftmaxProbs(scaled)
			next, prob := sampleTopKTopP(probs, cfg.TopK, cfg.TopP, rng)

			gen.TokenIDs = append(gen.TokenIDs, next)
			gen.LogProbs = append(gen.LogProbs, math.Log(prob))

			if cfg.EOSTokenID >= 0 && next == cfg.EOSTokenID {
				return
			}
			if pos >= m.Config.MaxPositions {
				return
			}
			var err error
			logits, err = m.ForwardStep(next, pos, cache)
			if err != nil {
				genErr = err
				return
			}
			pos++
		}
	})
	if genErr != nil {
		return nil, genErr
	}
	return gen, nil
}

// GenerateGreedy decodes with argmax at each step, for validation runs.
func (m *Model) GenerateGreedy(ctx context.Context, promptIDs []int, maxNewTokens, eosTokenID int) ([]int, error) {
	if len(promptIDs) == 0 {
		return nil, errors.New("prompt must contain at least one token")
	}
	var out []int
	var genErr error
	tensor.NoGrad(func() {
		cache := m.NewCache()
		pos := 0
		var logits *tensor.Vec
		for _, id := range promptIDs {
			var err error
			logits, err = m.ForwardStep(id, pos, cache)
			if err != nil {
				genErr = err
				return
			}
			pos++
		}
		for step := 0; step < maxNewTokens; step++ {
			if err := ctx.Err(); err != nil {
				genErr = err
				return
			}
			next := argmax(logits.Data)
			out = append(out, next)
			if eosTokenID >= 0 && next == eosTokenID {
				return
			}
			if pos >= m.Config.MaxPositions {
				return
			}
			var err error
			logits, err = m.ForwardStep(next, pos, cache)
			if err != nil {
				genErr = err
				return
			}
			pos++
		}
	})
	if genErr != nil {
		return nil, genErr
	}
	return out, nil
}

func argmax(vals []float64) int {
	best, bestVal := 0, math.Inf(-1)
	for i, v := range vals {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	return best
}
