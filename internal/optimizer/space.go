package optimizer

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

type Kind string

const (
	KindDiscrete   Kind = "discrete"
	KindContinuous Kind = "continuous"
	KindInteger    Kind = "integer"
)

// Parameter describes the domain of one named parameter.
// Discrete parameters use Values; continuous and integer ones use Min, Max and
// an optional Step. Log requests log-uniform sampling and encoding.
type Parameter struct {
	Name   string  `json:"name"`
	Kind   Kind    `json:"kind"`
	Values []any   `json:"values,omitempty"`
	Min    float64 `json:"min,omitempty"`
	Max    float64 `json:"max,omitempty"`
	Step   float64 `json:"step,omitempty"`
	Log    bool    `json:"log,omitempty"`
}

// ParameterSpace is an ordered list of parameters. The declaration order drives
// exhaustive enumeration and the layout of encoded vectors.
type ParameterSpace struct {
	Parameters []Parameter `json:"parameters"`
}

// Params is one point of a ParameterSpace.
type Params map[string]any

func (p Params) Float(name string) (float64, bool) {
	return toFloat(p[name])
}

func (p Params) Int(name string) (int, bool) {
	f, ok := toFloat(p[name])
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

func (p Params) Clone() Params {
	c := make(Params, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

func (s ParameterSpace) Validate() error {
	if len(s.Parameters) == 0 {
		return fmt.Errorf("%w: no parameters", ErrInvalidSpace)
	}
	names := make(map[string]struct{}, len(s.Parameters))
	for _, p := range s.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: parameter without a name", ErrInvalidSpace)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("%w: duplicate parameter %q", ErrInvalidSpace, p.Name)
		}
		names[p.Name] = struct{}{}

		switch p.Kind {
		case KindDiscrete:
			if len(p.Values) == 0 {
				return fmt.Errorf("%w: discrete parameter %q has no values", ErrInvalidSpace, p.Name)
			}
		case KindContinuous, KindInteger:
			if math.IsNaN(p.Min) || math.IsNaN(p.Max) || math.IsInf(p.Min, 0) || math.IsInf(p.Max, 0) {
				return fmt.Errorf("%w: parameter %q has non-finite bounds", ErrInvalidSpace, p.Name)
			}
			if p.Min > p.Max {
				return fmt.Errorf("%w: parameter %q has min %v greater than max %v", ErrInvalidSpace, p.Name, p.Min, p.Max)
			}
			if p.Step < 0 {
				return fmt.Errorf("%w: parameter %q has a negative step", ErrInvalidSpace, p.Name)
			}
			if p.Log && p.Min <= 0 {
				return fmt.Errorf("%w: log parameter %q needs a positive min", ErrInvalidSpace, p.Name)
			}
		default:
			return fmt.Errorf("%w: parameter %q has unknown kind %q", ErrInvalidSpace, p.Name, p.Kind)
		}
	}
	return nil
}

// Names returns the parameter names in declaration order.
func (s ParameterSpace) Names() []string {
	names := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		names = append(names, p.Name)
	}
	return names
}

// Grid discretizes every parameter. Continuous parameters need a step.
// The product of the axis sizes must not exceed limit when limit is positive.
func (s ParameterSpace) Grid(limit int) ([][]any, int, error) {
	if err := s.Validate(); err != nil {
		return nil, 0, err
	}
	axes := make([][]any, 0, len(s.Parameters))
	total := 1
	for _, p := range s.Parameters {
		axis, err := p.grid()
		if err != nil {
			return nil, 0, err
		}
		if limit > 0 && total > limit/len(axis) {
			return nil, 0, fmt.Errorf("%w: more than %d combinations", ErrGridTooLarge, limit)
		}
		total *= len(axis)
		axes = append(axes, axis)
	}
	return axes, total, nil
}

func (p Parameter) grid() ([]any, error) {
	switch p.Kind {
	case KindDiscrete:
		return p.Values, nil
	case KindInteger:
		step := math.Max(1, math.Round(p.Step))
		lo, hi := math.Ceil(p.Min), math.Floor(p.Max)
		if lo > hi {
			return nil, fmt.Errorf("%w: integer parameter %q has no integer in [%v, %v]", ErrInvalidSpace, p.Name, p.Min, p.Max)
		}
		var axis []any
		for v := lo; v <= hi; v += step {
			axis = append(axis, int(v))
		}
		return axis, nil
	case KindContinuous:
		if p.Step <= 0 {
			if p.Min == p.Max {
				return []any{p.Min}, nil
			}
			return nil, fmt.Errorf("%w: continuous parameter %q needs a step to be enumerated", ErrInvalidSpace, p.Name)
		}
		n := int(math.Floor((p.Max-p.Min)/p.Step+1e-9)) + 1
		axis := make([]any, 0, n)
		for i := 0; i < n; i++ {
			axis = append(axis, roundTo(p.Min+float64(i)*p.Step, p.Step))
		}
		return axis, nil
	}
	return nil, fmt.Errorf("%w: parameter %q has unknown kind %q", ErrInvalidSpace, p.Name, p.Kind)
}

// Sample draws one point. Consumes the same number of values from rng for
// every call so a seed fixes the whole sequence.
func (s ParameterSpace) Sample(rng *rand.Rand) Params {
	params := make(Params, len(s.Parameters))
	for _, p := range s.Parameters {
		params[p.Name] = p.sample(rng.Float64())
	}
	return params
}

func (p Parameter) sample(u float64) any {
	switch p.Kind {
	case KindDiscrete:
		i := int(u * float64(len(p.Values)))
		if i >= len(p.Values) {
			i = len(p.Values) - 1
		}
		return p.Values[i]
	case KindInteger:
		lo, hi := math.Ceil(p.Min), math.Floor(p.Max)
		var v float64
		if p.Log {
			v = math.Floor(math.Exp(math.Log(lo) + u*(math.Log(hi+1)-math.Log(lo))))
		} else {
			v = lo + math.Floor(u*(hi-lo+1))
		}
		return int(p.snap(math.Min(math.Max(v, lo), hi)))
	default:
		return p.snap(p.fromUnit(u))
	}
}

// Encode maps a point into the unit hypercube, one coordinate per parameter.
func (s ParameterSpace) Encode(params Params) []float64 {
	x := make([]float64, len(s.Parameters))
	for i, p := range s.Parameters {
		x[i] = p.toUnit(params[p.Name])
	}
	return x
}

// Decode is the inverse of Encode. Coordinates are clamped to [0,1] and the
// result is snapped onto the parameter's values, integers or step grid.
func (s ParameterSpace) Decode(x []float64) Params {
	params := make(Params, len(s.Parameters))
	for i, p := range s.Parameters {
		u := math.Min(math.Max(x[i], 0), 1)
		switch p.Kind {
		case KindDiscrete:
			if len(p.Values) == 1 {
				params[p.Name] = p.Values[0]
				continue
			}
			params[p.Name] = p.Values[int(math.Round(u*float64(len(p.Values)-1)))]
		case KindInteger:
			v := math.Round(p.fromUnit(u))
			params[p.Name] = int(p.snap(math.Min(math.Max(v, math.Ceil(p.Min)), math.Floor(p.Max))))
		default:
			params[p.Name] = p.snap(p.fromUnit(u))
		}
	}
	return params
}

// Key identifies a point independent of map ordering.
func (s ParameterSpace) Key(params Params) string {
	var b strings.Builder
	for i, p := range s.Parameters {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%s=%v", p.Name, params[p.Name])
	}
	return b.String()
}

func (p Parameter) fromUnit(u float64) float64 {
	if p.Log {
		return math.Exp(math.Log(p.Min) + u*(math.Log(p.Max)-math.Log(p.Min)))
	}
	return p.Min + u*(p.Max-p.Min)
}

func (p Parameter) toUnit(v any) float64 {
	if p.Kind == KindDiscrete {
		if len(p.Values) == 1 {
			return 0.5
		}
		for i, candidate := range p.Values {
			if fmt.Sprint(candidate) == fmt.Sprint(v) {
				return float64(i) / float64(len(p.Values)-1)
			}
		}
		return 0.5
	}
	f, ok := toFloat(v)
	if !ok || p.Max == p.Min {
		return 0.5
	}
	if p.Log {
		return (math.Log(f) - math.Log(p.Min)) / (math.Log(p.Max) - math.Log(p.Min))
	}
	return (f - p.Min) / (p.Max - p.Min)
}

func (p Parameter) snap(v float64) float64 {
	if p.Step <= 0 {
		return v
	}
	steps := math.Round((v - p.Min) / p.Step)
	snapped := p.Min + steps*p.Step
	if snapped > p.Max+1e-9 {
		snapped -= p.Step
	}
	snapped = roundTo(snapped, p.decimals())
	return math.Max(p.Min, math.Min(snapped, p.Max))
}

// decimals is the precision of the grid Min + i*Step.
func (p Parameter) decimals() int {
	return max(decimalPlaces(p.Min), decimalPlaces(p.Step))
}

const maxDecimals = 12

func decimalPlaces(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return min(len(s)-i-1, maxDecimals)
}

// roundTo strips float noise accumulated by repeated step additions.
func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
