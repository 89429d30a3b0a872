package grpo

import (
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/kiln-project/kiln/pkg/model"
	"github.com/kiln-project/kiln/pkg/tensor"
)

// Optimizer applies one update to the trainable parameters from their
// accumulated gradients.
type Optimizer interface {
	Step(params []*tensor.Vec, lr float64)
	// StateTensors exports moment estimates for checkpointing, dequantized
	// to dense floats.
	StateTensors(params []*tensor.Vec) map[string]*model.Tensor
	// LoadStateTensors restores a previously exported state.
	LoadStateTensors(params []*tensor.Vec, tensors map[string]*model.Tensor) error
}

// Optimizer names accepted in training config.
const (
	OptimizerAdamW     = "adamw"
	OptimizerAdamW8bit = "adamw_8bit"
)

// NewOptimizer constructs the named optimizer.
func NewOptimizer(name string, weightDecay float64) (Optimizer, error) {
	switch name {
	case OptimizerAdamW, "":
		return newAdamW(weightDecay), nil
	case OptimizerAdamW8bit:
		return newAdamW8bit(weightDecay), nil
	default:
		return nil, errors.Errorf("unknown optimizer %q, supported: %s, %s", name, OptimizerAdamW, OptimizerAdamW8bit)
	}
}

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// adamW is AdamW with decoupled weight decay.
type adamW struct {
	weightDecay float64
	m           [][]float64
	v           [][]float64
	t           int
}

func newAdamW(weightDecay float64) *adamW {
	return &adamW{weightDecay: weightDecay}
}

func (o *adamW) ensureState(params []*tensor.Vec) {
	if o.m != nil {
		return
	}
	o.m = make([][]float64, len(params))
	o.v = make([][]float64, len(params))
	for i, p := range params {
		o.m[i] = make([]float64, len(p.Data))
		o.v[i] = make([]float64, len(p.Data))
	}
}

func (o *adamW) Step(params []*tensor.Vec, lr float64) {
	o.ensureState(params)
	o.t++
	bc1 := 1 - math.Pow(adamBeta1, float64(o.t))
	bc2 := 1 - math.Pow(adamBeta2, float64(o.t))

	for i, p := range params {
		m, v := o.m[i], o.v[i]
		for j := range p.Data {
			g := p.Grad[j]
			m[j] = adamBeta1*m[j] + (1-adamBeta1)*g
			v[j] = adamBeta2*v[j] + (1-adamBeta2)*g*g
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Data[j] -= lr * (mHat/(math.Sqrt(vHat)+adamEps) + o.weightDecay*p.Data[j])
		}
	}
}

func (o *adamW) StateTensors(params []*tensor.Vec) map[string]*model.Tensor {
	o.ensureState(params)
	out := make(map[string]*model.Tensor, 2*len(params)+1)
	for i := range params {
		out["m."+strconv.Itoa(i)] = momentTensor(o.m[i])
		out["v."+strconv.Itoa(i)] = momentTensor(o.v[i])
	}
	out["t"] = &model.Tensor{Shape: []int{1}, Data: []float64{float64(o.t)}}
	return out
}

func (o *adamW) LoadStateTensors(params []*tensor.Vec, tensors map[string]*model.Tensor) error {
	o.m, o.v, o.t = nil, nil, 0
	o.ensureState(params)
	for i, p := range params {
		if err := copyMoment(o.m[i], tensors, "m."+strconv.Itoa(i), len(p.Data)); err != nil {
			return err
		}
		if err := copyMoment(o.v[i], tensors, "v."+strconv.Itoa(i), len(p.Data)); err != nil {
			return err
		}
	}
	if t, ok := tensors["t"]; ok && len(t.Data) == 1 {
		o.t = int(t.Data[0])
	}
	return nil
}

// adamW8bit stores moment estimates blockwise-quantized to int8 with an
// absmax scale per block, cutting optimizer state to a quarter of float32.
// Moments are dequantized, updated, and requantized on each step.
type adamW8bit struct {
	weightDecay float64
	m           []*quantizedMoment
	v           []*quantizedMoment
	t           int
}

func newAdamW8bit(weightDecay float64) *adamW8bit {
	return &adamW8bit{weightDecay: weightDecay}
}

const quantBlockSize = 64

type quantizedMoment struct {
	codes  []int8
	scales []float64 // absmax per block
	n      int
}

func newQuantizedMoment(n int) *quantizedMoment {
	blocks := (n + quantBlockSize - 1) / quantBlockSize
	return &quantizedMoment{
		codes:  make([]int8, n),
		scales: make([]float64, blocks),
		n:      n,
	}
}

func (q *quantizedMoment) dequantize() []float64 {
	out := make([]float64, q.n)
	for i := 0; i < q.n; i++ {
		out[i] = float64(q.codes[i]) / 127.0 * q.scales[i/quantBlockSize]
	}
	return out
}

func (q *quantizedMoment) quantize(vals []float64) {
	for b := 0; b < len(q.scales); b++ {
		lo := b * quantBlockSize
		hi := lo + quantBlockSize
		if hi > q.n {
			hi = q.n
		}
		absmax := 0.0
		for i := lo; i < hi; i++ {
			if a := math.Abs(vals[i]); a > absmax {
				absmax = a
			}
		}
		q.scales[b] = absmax
		if absmax == 0 {
			for i := lo; i < hi; i++ {
				q.codes[i] = 0
			}
			continue
		}
		for i := lo; i < hi; i++ {
			q.codes[i] = int8(math.Round(vals[i] / absmax * 127.0))
		}
	}
}

func (o *adamW8bit) ensureState(params []*tensor.Vec) {
	if o.m != nil {
		return
	}
	o.m = make([]*quantizedMoment, len(params))
	o.v = make([]*quantizedMoment, len(params))
	for i, p := range params {
		o.m[i] = newQuantizedMoment(len(p.Data))
		o.v[i] = newQuantizedMoment(len(p.Data))
	}
}

func (o *adamW8bit) Step(params []*tensor.Vec, lr float64) {
	o.ensureState(params)
	o.t++
	bc1 := 1 - math.Pow(adamBeta1, float64(o.t))
	bc2 := 1 - math.Pow(adamBeta2, float64(o.t))

	for i, p := range params {
		m := o.m[i].dequantize()
		v := o.v[i].dequantize()
		for j := range p.Data {
			g := p.Grad[j]
			m[j] = adamBeta1*m[j] + (1-adamBeta1)*g
			v[j] = adamBeta2*v[j] + (1-adamBeta2)*g*g
			// v must stay nonnegative; quantization rounding can
			// produce tiny negatives after a restore.
			if v[j] < 0 {
				v[j] = 0
			}
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Data[j] -= lr * (mHat/(math.Sqrt(vHat)+adamEps) + o.weightDecay*p.Data[j])
		}
		o.m[i].quantize(m)
		o.v[i].quantize(v)
	}
}

func (o *adamW8bit) StateTensors(params []*tensor.Vec) map[string]*model.Tensor {
	o.ensureState(params)
	out := make(map[string]*model.Tensor, 2*len(params)+1)
	for i := range params {
		out["m."+strconv.Itoa(i)] = momentTensor(o.m[i].dequantize())
		out["v."+strconv.Itoa(i)] = momentTensor(o.v[i].dequantize())
	}
	out["t"] = &model.Tensor{Shape: []int{1}, Data: []float64{float64(o.t)}}
	return out
}

func (o *adamW8bit) LoadStateTensors(params []*tensor.Vec, tensors map[string]*model.Tensor) error {
	o.m, o.v, o.t = nil, nil, 0
	o.ensureState(params)
	for i, p := range params {
		buf := make([]float64, len(p.Data))
		if err := copyMoment(buf, tensors, "m."+strconv.Itoa(i), len(p.Data)); err != nil {
			return err
		}
		o.m[i].quantize(buf)
		if err := copyMoment(buf, tensors, "v."+strconv.Itoa(i), len(p.Data)); err != nil {
			return err
		}
		o.v[i].quantize(buf)
	}
	if t, ok := tensors["t"]; ok && len(t.Data) == 1 {
		o.t = int(t.Data[0])
	}
	return nil
}

func momentTensor(vals []float64) *model.Tensor {
	data := make([]float64, len(vals))
	copy(data, vals)
	return &model.Tensor{Shape: []int{len(vals)}, Data: data}
}

func copyMoment(dst []float64, tensors map[string]*model.Tensor, name string, want int) error {
	t, ok := tensors[name]
	if !ok {
		return errors.Errorf("optimizer state missing tensor %q", name)
	}
	if len(t.Data) != want {
		return errors.Errorf("optimizer state tensor %q has %d elements, want %d", name, len(t.Data), want)
	}
	copy(dst, t.Data)
	return nil
}
