// Package tensor implements the small reverse-mode autodiff engine the model
// runtime is built on. Values are float64 vectors (one Vec per embedding or
// hidden state) plus differentiable scalars for losses and attention weights.
package tensor

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"
)

// gradEnabled gates graph construction. Sampling loops disable it so forward
// passes don't accumulate a compute graph they never backprop through.
var gradEnabled atomic.Bool

func init() { gradEnabled.Store(true) }

// SetGradEnabled toggles graph construction for subsequent ops.
func SetGradEnabled(enabled bool) { gradEnabled.Store(enabled) }

// GradEnabled reports whether ops currently record the compute graph.
func GradEnabled() bool { return gradEnabled.Load() }

// NoGrad runs fn with graph construction disabled, restoring the previous
// state afterwards.
func NoGrad(fn func()) {
	prev := gradEnabled.Load()
	gradEnabled.Store(false)
	defer gradEnabled.Store(prev)
	fn()
}

// Node is anything in the autograd compute graph.
type Node interface {
	children() []Node
	backward()
}

// Vec is a differentiable vector.
type Vec struct {
	Data []float64
	Grad []float64
	kids []Node
	back func()
}

// NewVec wraps data in a Vec. Grad is only allocated while grad is enabled.
func NewVec(data []float64) *Vec {
	var g []float64
	if gradEnabled.Load() {
		g = make([]float64, len(data))
	}
	return &Vec{Data: data, Grad: g}
}

// NewVecZero returns a zero Vec of length n.
func NewVecZero(n int) *Vec { return NewVec(make([]float64, n)) }

// NewVecWithGrad always allocates the gradient buffer. Parameter vectors use
// this so optimizers can rely on Grad being present.
func NewVecWithGrad(data []float64) *Vec {
	return &Vec{Data: data, Grad: make([]float64, len(data))}
}

func (v *Vec) children() []Node { return v.kids }
func (v *Vec) backward() {
	if v.back != nil {
		v.back()
	}
}

// Len returns the vector length.
func (v *Vec) Len() int { return len(v.Data) }

// Add returns self + other element-wise.
func (v *Vec) Add(other *Vec) *Vec {
	d := make([]float64, len(v.Data))
	floats.AddTo(d, v.Data, other.Data)
	out := NewVec(d)
	if gradEnabled.Load() {
		out.kids = []Node{v, other}
		out.back = func() {
			floats.Add(v.Grad, out.Grad)
			floats.Add(other.Grad, out.Grad)
		}
	}
	return out
}

// Sub returns self - other element-wise.
func (v *Vec) Sub(other *Vec) *Vec {
	d := make([]float64, len(v.Data))
	floats.SubTo(d, v.Data, other.Data)
	out := NewVec(d)
	if gradEnabled.Load() {
		out.kids = []Node{v, other}
		out.back = func() {
			floats.Add(v.Grad, out.Grad)
			floats.Sub(other.Grad, out.Grad)
		}
	}
	return out
}

// Mul returns the element-wise product self * other.
func (v *Vec) Mul(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	floats.MulTo(d, v.Data, other.Data)
	out := NewVec(d)
	if gradEnabled.Load() {
		out.kids = []Node{v, other}
		vData, oData := v.Data, other.Data
		out.back = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += oData[i] * out.Grad[i]
				other.Grad[i] += vData[i] * out.Grad[i]
			}
		}
	}
	return out
}

// Scale returns self * s.
func (v *Vec) Scale(s float64) *Vec {
	d := make([]float64, len(v.Data))
	floats.ScaleTo(d, s, v.Data)
	out := NewVec(d)
	if gradEnabled.Load() {
		out.kids = []Node{v}
		out.back = func() {
			floats.AddScaled(v.Grad, s, out.Grad)
		}
	}
	return out
}

// GELU applies the tanh-approximated Gaussian error linear unit element-wise.
func (v *Vec) GELU() *Vec {
	const c = 0.7978845608028654 // sqrt(2/pi)
	n := len(v.Data)
	d := make([]float64, n)
	tanhArg := make([]float64, n)
	for i := 0; i < n; i++ {
		x := v.Data[i]
		tanhArg[i] = math.Tanh(c * (x + 0.044715*x*x*x))
		d[i] = 0.5 * x * (1 + tanhArg[i])
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.kids = []Node{v}
		vData := v.Data
		out.back = func() {
			for i := 0; i < n; i++ {
				x := vData[i]
				t := tanhArg[i]
				dt := (1 - t*t) * c * (1 + 3*0.044715*x*x)
				v.Grad[i] += (0.5*(1+t) + 0.5*x*dt) * out.Grad[i]
			}
		}
	}
	return out
}

// Dot returns the scalar dot product of two vectors.
func (v *Vec) Dot(other *Vec) *Scalar {
	out := &Scalar{Data: floats.Dot(v.Data, other.Data)}
	if gradEnabled.Load() {
		out.kids = []Node{v, other}
		vData, oData := v.Data, other.Data
		out.back = func() {
			floats.AddScaled(v.Grad, out.Grad, oData)
			floats.AddScaled(other.Grad, out.Grad, vData)
		}
	}
	return out
}

// Slice extracts [start:end) with gradient flow back into the parent.
func (v *Vec) Slice(start, end int) *Vec {
	d := make([]float64, end-start)
	copy(d, v.Data[start:end])
	out := NewVec(d)
	if gradEnabled.Load() {
		out.kids = []Node{v}
		out.back = func() {
			floats.Add(v.Grad[start:end], out.Grad)
		}
	}
	return out
}

// Concat joins multiple vectors into one.
func Concat(vecs []*Vec) *Vec {
	total := 0
	for _, v := range vecs {
		total += len(v.Data)
	}
	d := make([]float64, 0, total)
	for _, v := range vecs {
		d = append(d, v.Data...)
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		kids := make([]Node, len(vecs))
		for i, v := range vecs {
			kids[i] = v
		}
		out.kids = kids
		out.back = func() {
			offset := 0
			for _, v := range vecs {
				floats.Add(v.Grad, out.Grad[offset:offset+len(v.Data)])
				offset += len(v.Data)
			}
		}
	}
	return out
}

// LayerNorm normalizes x to zero mean / unit variance and applies the learned
// gain and bias vectors.
func LayerNorm(x, gain, bias *Vec, eps float64) *Vec {
	n := len(x.Data)
	nf := float64(n)
	mean := floats.Sum(x.Data) / nf
	variance := 0.0
	for _, xv := range x.Data {
		d := xv - mean
		variance += d * d
	}
	variance /= nf
	invStd := 1.0 / math.Sqrt(variance+eps)

	norm := make([]float64, n)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		norm[i] = (x.Data[i] - mean) * invStd
		d[i] = norm[i]*gain.Data[i] + bias.Data[i]
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.kids = []Node{x, gain, bias}
		out.back = func() {
			// dnorm = dout * gain; then backprop through the normalization.
			dnorm := make([]float64, n)
			sumDnorm := 0.0
			sumDnormNorm := 0.0
			for i := 0; i < n; i++ {
				dnorm[i] = out.Grad[i] * gain.Data[i]
				sumDnorm += dnorm[i]
				sumDnormNorm += dnorm[i] * norm[i]
				gain.Grad[i] += out.Grad[i] * norm[i]
				bias.Grad[i] += out.Grad[i]
			}
			for i := 0; i < n; i++ {
				x.Grad[i] += invStd * (dnorm[i] - sumDnorm/nf - norm[i]*sumDnormNorm/nf)
			}
		}
	}
	return out
}

// Scalar is a differentiable scalar value.
type Scalar struct {
	Data float64
	Grad float64
	kids []Node
	back func()
}

// NewScalar wraps a constant in a Scalar.
func NewScalar(data float64) *Scalar { return &Scalar{Data: data} }

func (s *Scalar) children() []Node { return s.kids }
func (s *Scalar) backward() {
	if s.back != nil {
		s.back()
	}
}

// AddS returns self + other.
func (s *Scalar) AddS(other *Scalar) *Scalar {
	out := &Scalar{Data: s.Data + other.Data}
	if gradEnabled.Load() {
		out.kids = []Node{s, other}
		out.back = func() {
			s.Grad += out.Grad
			other.Grad += out.Grad
		}
	}
	return out
}

// MulF returns self * f.
func (s *Scalar) MulF(f float64) *Scalar {
	out := &Scalar{Data: s.Data * f}
	if gradEnabled.Load() {
		out.kids = []Node{s}
		out.back = func() {
			s.Grad += f * out.Grad
		}
	}
	return out
}

// SoftmaxScalars computes a numerically stable softmax over differentiable
// scalars, used for attention weights.
func SoftmaxScalars(logits []*Scalar) []*Scalar {
	n := len(logits)
	maxVal := math.Inf(-1)
	for _, l := range logits {
		if l.Data > maxVal {
			maxVal = l.Data
		}
	}
	exps := make([]float64, n)
	total := 0.0
	for i, l := range logits {
		exps[i] = math.Exp(l.Data - maxVal)
		total += exps[i]
	}
	probs := make([]float64, n)
	for i := range exps {
		probs[i] = exps[i] / total
	}

	out := make([]*Scalar, n)
	record := gradEnabled.Load()
	for i := 0; i < n; i++ {
		o := &Scalar{Data: probs[i]}
		if record {
			idx := i
			kids := make([]Node, n)
			for j, l := range logits {
				kids[j] = l
			}
			o.kids = kids
			o.back = func() {
				for j := 0; j < n; j++ {
					jac := -probs[idx] * probs[j]
					if idx == j {
						jac = probs[idx] * (1 - probs[idx])
					}
					logits[j].Grad += jac * o.Grad
				}
			}
		}
		out[i] = o
	}
	return out
}

// WeightedSum returns sum_i weights[i]*values[i] for attention aggregation.
func WeightedSum(weights []*Scalar, values []*Vec) *Vec {
	n := len(values[0].Data)
	d := make([]float64, n)
	for t, w := range weights {
		floats.AddScaled(d, w.Data, values[t].Data)
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		kids := make([]Node, 0, 2*len(weights))
		for _, w := range weights {
			kids = append(kids, w)
		}
		for _, v := range values {
			kids = append(kids, v)
		}
		out.kids = kids
		out.back = func() {
			for t := range weights {
				weights[t].Grad += floats.Dot(out.Grad, values[t].Data)
				floats.AddScaled(values[t].Grad, weights[t].Data, out.Grad)
			}
		}
	}
	return out
}

// LogSoftmaxPick returns log(softmax(logits)[target]) as a differentiable
// scalar. This is the per-token term of the policy-gradient loss.
func LogSoftmaxPick(logits *Vec, target int) *Scalar {
	n := len(logits.Data)
	maxVal := floats.Max(logits.Data)
	expSum := 0.0
	for _, l := range logits.Data {
		expSum += math.Exp(l - maxVal)
	}
	logSumExp := math.Log(expSum) + maxVal
	out := &Scalar{Data: logits.Data[target] - logSumExp}
	if gradEnabled.Load() {
		out.kids = []Node{logits}
		out.back = func() {
			for i := 0; i < n; i++ {
				p := math.Exp(logits.Data[i] - logSumExp)
				g := -p
				if i == target {
					g = 1 - p
				}
				logits.Grad[i] += g * out.Grad
			}
		}
	}
	return out
}

var visitedPool = sync.Pool{
	New: func() interface{} { return make(map[Node]bool) },
}

// Backward runs reverse-mode autodiff from root: topological sort, seed the
// root gradient with 1, then replay backward functions in reverse order.
func Backward(root Node) {
	visited := visitedPool.Get().(map[Node]bool)
	topo := make([]Node, 0, 1024)

	// Iterative DFS; training graphs get deep enough to overflow the stack
	// with the recursive version.
	type frame struct {
		node Node
		next int
	}
	stack := []frame{{node: root}}
	visited[root] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		kids := top.node.children()
		if top.next < len(kids) {
			child := kids[top.next]
			top.next++
			if !visited[child] {
				visited[child] = true
				stack = append(stack, frame{node: child})
			}
			continue
		}
		topo = append(topo, top.node)
		stack = stack[:len(stack)-1]
	}

	for k := range visited {
		delete(visited, k)
	}
	visitedPool.Put(visited)

	switch r := root.(type) {
	case *Scalar:
		r.Grad = 1.0
	case *Vec:
		for i := range r.Grad {
			r.Grad[i] = 1.0
		}
	}

	for i := len(topo) - 1; i >= 0; i-- {
		topo[i].backward()
	}
}

// ZeroGrad resets the gradients of the given parameter vectors.
func ZeroGrad(params []*Vec) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// GradNorm returns the global L2 norm of all parameter gradients.
func GradNorm(params []*Vec) float64 {
	total := 0.0
	for _, p := range params {
		total += floats.Dot(p.Grad, p.Grad)
	}
	return math.Sqrt(total)
}

// ClipGradNorm rescales all gradients so their global L2 norm does not exceed
// maxNorm, returning the pre-clip norm.
func ClipGradNorm(params []*Vec, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-12)
	for _, p := range params {
		floats.Scale(scale, p.Grad)
	}
	return norm
}

// Param is a weight matrix stored as rows of Vecs, shape (Out, In).
type Param struct {
	Rows []*Vec
	Out  int
	In   int
}

// NewParam returns an (out, in) matrix with entries drawn from N(0, std²).
func NewParam(out, in int, std float64, rng *rand.Rand) *Param {
	rows := make([]*Vec, out)
	for i := 0; i < out; i++ {
		d := make([]float64, in)
		for j := range d {
			d[j] = rng.NormFloat64() * std
		}
		rows[i] = NewVecWithGrad(d)
	}
	return &Param{Rows: rows, Out: out, In: in}
}

// NewParamZero returns an (out, in) matrix of zeros.
func NewParamZero(out, in int) *Param {
	rows := make([]*Vec, out)
	for i := 0; i < out; i++ {
		rows[i] = NewVecWithGrad(make([]float64, in))
	}
	return &Param{Rows: rows, Out: out, In: in}
}

// NewParamFrom builds a Param from row-major data.
func NewParamFrom(out, in int, data []float64) *Param {
	rows := make([]*Vec, out)
	for i := 0; i < out; i++ {
		rows[i] = NewVecWithGrad(data[i*in : (i+1)*in])
	}
	return &Param{Rows: rows, Out: out, In: in}
}

// Matvec computes matrix @ x.
func (m *Param) Matvec(x *Vec) *Vec {
	out := make([]float64, m.Out)
	for i := 0; i < m.Out; i++ {
		out[i] = floats.Dot(m.Rows[i].Data, x.Data)
	}
	o := NewVec(out)
	if gradEnabled.Load() {
		kids := make([]Node, m.Out+1)
		for i := 0; i < m.Out; i++ {
			kids[i] = m.Rows[i]
		}
		kids[m.Out] = x
		o.kids = kids
		rows := m.Rows
		o.back = func() {
			for i := 0; i < m.Out; i++ {
				g := o.Grad[i]
				if g == 0 {
					continue
				}
				floats.AddScaled(rows[i].Grad, g, x.Data)
				floats.AddScaled(x.Grad, g, rows[i].Data)
			}
		}
	}
	return o
}

// Params returns all row vectors, for optimizers.
func (m *Param) Params() []*Vec { return m.Rows }

// Row returns the i-th row as a parameter vector (used for embeddings).
func (m *Param) Row(i int) *Vec { return m.Rows[i] }
