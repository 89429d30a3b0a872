// Package grpo implements group-relative policy optimization over a causal
// language model with low-rank adapters: sample a group of completions per
// prompt, score them with a reward function, and push the policy toward the
// above-average completions.
package grpo

import (
	"context"
	"math/rand"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kiln-project/kiln/pkg/dataset"
	"github.com/kiln-project/kiln/pkg/logging"
	"github.com/kiln-project/kiln/pkg/model"
	"github.com/kiln-project/kiln/pkg/tensor"
	"github.com/kiln-project/kiln/pkg/tokenizer"
	"github.com/kiln-project/kiln/pkg/trainer/reward"
)

// TextCodec is the tokenizer surface the trainer needs.
type TextCodec interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string
	EOSID() int
}

// Trainer runs the GRPO loop. Only adapter parameters are updated; the base
// model stays frozen.
type Trainer struct {
	model      *model.Model
	codec      TextCodec
	rewardFn   reward.Func
	cfg        Config
	adapterCfg model.AdapterConfig
	logger     logging.Interface
	fs         afero.Fs

	opt    Optimizer
	params []*tensor.Vec
	rng    *rand.Rand
	runID  string
}

// New builds a trainer over a model that already has adapters attached.
func New(m *model.Model, codec TextCodec, rewardFn reward.Func, adapterCfg model.AdapterConfig, cfg Config, logger logging.Interface, fs afero.Fs) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid training config")
	}
	if !m.HasAdapters() {
		return nil, errors.New("model has no adapters attached")
	}
	if rewardFn == nil {
		return nil, errors.New("reward function is required")
	}
	opt, err := NewOptimizer(cfg.Optimizer, cfg.WeightDecay)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		model:      m,
		codec:      codec,
		rewardFn:   rewardFn,
		cfg:        cfg,
		adapterCfg: adapterCfg,
		logger:     logger,
		fs:         fs,
		opt:        opt,
		params:     m.AdapterParams(),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		runID:      uuid.New().String(),
	}, nil
}

// RunID identifies this training run in metrics and checkpoints.
func (t *Trainer) RunID() string { return t.runID }

// stepWindow accumulates reward statistics across the micro-batches of one
// optimizer step.
type stepWindow struct {
	lossSum     float64
	rewards     []float64
	completions int
	tokenCount  int
}

// Train runs the full GRPO loop over the dataset splits. On context
// cancellation it flushes metrics and returns the context error.
func (t *Trainer) Train(ctx context.Context, splits *dataset.Splits) error {
	if len(splits.Train) == 0 {
		return errors.New("training split is empty")
	}
	if err := t.fs.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating output directory %s", t.cfg.OutputDir)
	}
	log, err := openMetricsLog(t.fs, t.cfg.OutputDir)
	if err != nil {
		return err
	}
	defer log.close()

	microPerEpoch := (len(splits.Train) + t.cfg.BatchSize - 1) / t.cfg.BatchSize
	totalSteps := t.cfg.Epochs * ((microPerEpoch + t.cfg.AccumSteps - 1) / t.cfg.AccumSteps)

	state := trainerState{RunID: t.runID, LR: t.cfg.LearningRate}
	if t.cfg.Resume {
		dir, _, err := latestCheckpoint(t.fs, t.cfg.OutputDir)
		if err != nil {
			return err
		}
		if dir != "" {
			state, err = t.restoreCheckpoint(dir)
			if err != nil {
				return err
			}
			t.runID = state.RunID
		}
	}

	t.logger.
		WithField("run_id", t.runID).
		WithField("train_records", len(splits.Train)).
		WithField("total_steps", totalSteps).
		WithField("optimizer", t.cfg.Optimizer).
		Info("Starting GRPO training")

	step := state.Step
	window := &stepWindow{}
	microInStep := 0

	for epoch := state.Epoch; epoch < t.cfg.Epochs; epoch++ {
		shuffled := make([]dataset.Record, len(splits.Train))
		copy(shuffled, splits.Train)
		dataset.Shuffle(shuffled, t.cfg.Seed+int64(epoch))
		batches := dataset.Batches(shuffled, t.cfg.BatchSize)

		startBatch := 0
		if epoch == state.Epoch {
			startBatch = state.BatchIndex
		}

		for batchIdx := startBatch; batchIdx < len(batches); batchIdx++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := t.trainMicroBatch(ctx, batches[batchIdx], window); err != nil {
				return err
			}
			microInStep++

			// Leftover micro-batches flush at epoch end so accumulation
			// never crosses epochs.
			epochEnd := batchIdx == len(batches)-1
			if microInStep < t.cfg.AccumSteps && !epochEnd {
				continue
			}

			gradNorm := tensor.ClipGradNorm(t.params, t.cfg.GradClipNorm)
			lr := t.decayedLR(step, totalSteps)
			t.opt.Step(t.params, lr)
			tensor.ZeroGrad(t.params)
			step++

			metrics := StepMetrics{
				RunID:             t.runID,
				Step:              step,
				Epoch:             epoch,
				Loss:              window.lossSum / float64(microInStep),
				RewardMean:        mean(window.rewards),
				RewardStd:         stddev(window.rewards),
				CompletionLenMean: float64(window.tokenCount) / float64(max(window.completions, 1)),
				GradNorm:          gradNorm,
				LearningRate:      lr,
				Timestamp:         nowStamp(),
			}
			if err := log.append(metrics); err != nil {
				return err
			}
			t.logger.
				WithField("step", step).
				WithField("loss", metrics.Loss).
				WithField("reward_mean", metrics.RewardMean).
				WithField("lr", lr).
				Debug("Optimizer step")

			window = &stepWindow{}
			microInStep = 0

			if t.cfg.CheckpointSteps > 0 && step%t.cfg.CheckpointSteps == 0 {
				ckState := trainerState{RunID: t.runID, Step: step, Epoch: epoch, BatchIndex: batchIdx + 1, LR: lr}
				if err := t.saveCheckpoint(ckState); err != nil {
					return err
				}
			}
		}
		state.BatchIndex = 0

		if len(splits.Validation) > 0 {
			evalMean, evalCount, err := t.Evaluate(ctx, splits.Validation)
			if err != nil {
				return err
			}
			evalRecord := EvalMetrics{
				RunID:      t.runID,
				Step:       step,
				Epoch:      epoch,
				Split:      "validation",
				RewardMean: evalMean,
				Samples:    evalCount,
				Timestamp:  nowStamp(),
			}
			if err := log.append(evalRecord); err != nil {
				return err
			}
			t.logger.
				WithField("epoch", epoch).
				WithField("eval_reward_mean", evalMean).
				WithField("eval_samples", evalCount).
				Info("Validation evaluation")
		}
	}

	final := trainerState{RunID: t.runID, Step: step, Epoch: t.cfg.Epochs, LR: t.decayedLR(step, totalSteps)}
	if err := t.saveCheckpoint(final); err != nil {
		return err
	}
	t.logger.WithField("run_id", t.runID).WithField("steps", step).Info("Training complete")
	return nil
}

// trainMicroBatch samples a group per prompt, computes the policy-gradient
// loss over the batch, and accumulates gradients into the adapter parameters.
func (t *Trainer) trainMicroBatch(ctx context.Context, batch []dataset.Record, window *stepWindow) error {
	genCfg := model.GenConfig{
		MaxNewTokens: t.cfg.MaxCompletionLen,
		Temperature:  t.cfg.Temperature,
		TopK:         t.cfg.TopK,
		TopP:         t.cfg.TopP,
		EOSTokenID:   t.codec.EOSID(),
	}

	var loss *tensor.Scalar
	totalTokens := 0

	for _, record := range batch {
		promptIDs, err := t.codec.Encode(record.Prompt)
		if err != nil {
			return errors.Wrap(err, "encoding prompt")
		}
		promptIDs = tokenizer.Truncate(promptIDs, t.cfg.MaxPromptLen)
		if len(promptIDs) == 0 {
			continue
		}

		group := make([]*model.Generation, t.cfg.NumGenerations)
		completions := make([]string, t.cfg.NumGenerations)
		for g := 0; g < t.cfg.NumGenerations; g++ {
			gen, err := t.model.Generate(ctx, promptIDs, genCfg, t.rng)
			if err != nil {
				return errors.Wrap(err, "sampling completion")
			}
			group[g] = gen
			completions[g] = t.codec.Decode(gen.TokenIDs)
		}

		rewards := t.rewardFn(completions)
		advantages := GroupAdvantages(rewards)

		window.rewards = append(window.rewards, rewards...)
		for _, gen := range group {
			window.completions++
			window.tokenCount += len(gen.TokenIDs)
		}

		for g, gen := range group {
			if advantages[g] == 0 || len(gen.TokenIDs) == 0 {
				continue
			}
			logProbs, err := t.model.ScoreCompletion(promptIDs, gen.TokenIDs)
			if err != nil {
				return errors.Wrap(err, "scoring completion")
			}
			var seqLogProb *tensor.Scalar
			for _, lp := range logProbs {
				if seqLogProb == nil {
					seqLogProb = lp
				} else {
					seqLogProb = seqLogProb.AddS(lp)
				}
			}
			term := seqLogProb.MulF(-advantages[g])
			if loss == nil {
				loss = term
			} else {
				loss = loss.AddS(term)
			}
			totalTokens += len(gen.TokenIDs)
		}
	}

	if loss == nil || totalTokens == 0 {
		return nil
	}

	// Token-count normalization, then accumulation scaling so gradients
	// average across the micro-batches of one optimizer step.
	loss = loss.MulF(1.0 / float64(totalTokens)).MulF(1.0 / float64(t.cfg.AccumSteps))
	tensor.Backward(loss)
	window.lossSum += loss.Data * float64(t.cfg.AccumSteps)
	return nil
}

// Evaluate greedily decodes up to EvalSamples validation prompts and returns
// the mean reward.
func (t *Trainer) Evaluate(ctx context.Context, records []dataset.Record) (float64, int, error) {
	limit := len(records)
	if t.cfg.EvalSamples > 0 && limit > t.cfg.EvalSamples {
		limit = t.cfg.EvalSamples
	}

	var completions []string
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		promptIDs, err := t.codec.Encode(records[i].Prompt)
		if err != nil {
			return 0, 0, errors.Wrap(err, "encoding validation prompt")
		}
		promptIDs = tokenizer.Truncate(promptIDs, t.cfg.MaxPromptLen)
		if len(promptIDs) == 0 {
			continue
		}
		ids, err := t.model.GenerateGreedy(ctx, promptIDs, t.cfg.MaxCompletionLen, t.codec.EOSID())
		if err != nil {
			return 0, 0, errors.Wrap(err, "greedy decoding")
		}
		completions = append(completions, t.codec.Decode(ids))
	}
	if len(completions) == 0 {
		return 0, 0, nil
	}
	rewards := t.rewardFn(completions)
	return mean(rewards), len(completions), nil
}

// decayedLR applies linear decay from the base rate down to zero over the
// run.
func (t *Trainer) decayedLR(step, totalSteps int) float64 {
	if totalSteps <= 0 {
		return t.cfg.LearningRate
	}
	remaining := 1.0 - float64(step)/float64(totalSteps)
	if remaining < 0 {
		remaining = 0
	}
	return t.cfg.LearningRate * remaining
}
