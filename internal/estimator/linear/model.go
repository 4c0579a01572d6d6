// Package linear implements a logistic estimator loaded from YAML.
package linear

import (
	"context"
	"embed"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"threatscope/pkg/models"
)

//go:embed models/*.yaml
var builtin embed.FS

// Transforms applied to a raw feature before scaling.
const (
	TransformIdentity = "identity"
	TransformLog1p    = "log1p"
)

// Term is the contribution of one feature.
type Term struct {
	Weight    float64 `yaml:"weight"`
	Transform string  `yaml:"transform"`
	Mean      float64 `yaml:"mean"`
	Std       float64 `yaml:"std"`
}

// Spec is the on-disk model description.
type Spec struct {
	Name     string          `yaml:"name"`
	Bias     float64         `yaml:"bias"`
	Features map[string]Term `yaml:"features"`
}

// Model evaluates sigmoid(bias + sum(w * scale(transform(x)))).
type Model struct {
	name  string
	bias  float64
	terms [models.FeatureCount]Term
}

// Load reads a model from a YAML file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	return Parse(data)
}

// Builtin returns one of the embedded models ("primary" or "secondary").
func Builtin(name string) (*Model, error) {
	data, err := builtin.ReadFile("models/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown builtin model %q", name)
	}
	return Parse(data)
}

// Parse builds a model from YAML bytes.
func Parse(data []byte) (*Model, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse model file: %w", err)
	}
	return New(spec)
}

// New validates a spec and builds the model.
func New(spec Spec) (*Model, error) {
	m := &Model{name: spec.Name, bias: spec.Bias}
	if m.name == "" {
		m.name = "linear"
	}
	index := make(map[string]int, models.FeatureCount)
	for i, n := range models.FeatureNames {
		index[n] = i
	}
	for name, term := range spec.Features {
		i, ok := index[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("model %s: unknown feature %q", m.name, name)
		}
		switch term.Transform {
		case "", TransformIdentity, TransformLog1p:
		default:
			return nil, fmt.Errorf("model %s: feature %s: unknown transform %q", m.name, name, term.Transform)
		}
		if term.Std < 0 {
			return nil, fmt.Errorf("model %s: feature %s: negative std", m.name, name)
		}
		if math.IsNaN(term.Weight) || math.IsInf(term.Weight, 0) {
			return nil, fmt.Errorf("model %s: feature %s: invalid weight", m.name, name)
		}
		m.terms[i] = term
	}
	return m, nil
}

// Name returns the model name.
func (m *Model) Name() string {
	return m.name
}

// PredictProbability returns the positive-class probability.
func (m *Model) PredictProbability(ctx context.Context, fv models.FeatureVector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	z := m.bias
	for i, x := range fv.Values() {
		t := m.terms[i]
		if t.Weight == 0 {
			continue
		}
		if t.Transform == TransformLog1p {
			if x < 0 {
				x = 0
			}
			x = math.Log1p(x)
		}
		if t.Std > 0 {
			x = (x - t.Mean) / t.Std
		}
		z += t.Weight * x
	}
	p := 1 / (1 + math.Exp(-z))
	if math.IsNaN(p) {
		return 0, fmt.Errorf("model %s: non-finite input", m.name)
	}
	return p, nil
}
