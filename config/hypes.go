// Package config loads training hyper-parameters ("hypes") from JSON or TOML.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/sugarme/fcnseg/metric"
)

// ErrInvalidHypes is returned by Validate for inconsistent hyper-parameters.
var ErrInvalidHypes = errors.New("invalid hypes")

// Arch holds model architecture parameters.
type Arch struct {
	NumClasses int64     `json:"num_classes" toml:"num_classes"`
	Weight     []float64 `json:"weight,omitempty" toml:"weight"`
}

// Solver holds optimizer parameters.
type Solver struct {
	Epsilon      float64 `json:"epsilon" toml:"epsilon"`
	LearningRate float64 `json:"learning_rate" toml:"learning_rate"`
	Opt          string  `json:"opt" toml:"opt"`
}

// Hypes are training hyper-parameters.
type Hypes struct {
	Arch   Arch    `json:"arch" toml:"arch"`
	Solver Solver  `json:"solver" toml:"solver"`
	WD     float64 `json:"wd" toml:"wd"`
	Loss   string  `json:"loss" toml:"loss"`

	ScaleDown *float64 `json:"scale_down,omitempty" toml:"scale_down"`
	Skip      *bool    `json:"skip,omitempty" toml:"skip"`
}

// Default returns hypes for numClasses with unit class weights.
func Default(numClasses int64) *Hypes {
	weight := make([]float64, numClasses)
	for i := range weight {
		weight[i] = 1
	}

	return &Hypes{
		Arch: Arch{NumClasses: numClasses, Weight: weight},
		Solver: Solver{
			Epsilon:      1e-9,
			LearningRate: 1e-5,
			Opt:          "Adam",
		},
		WD:   5e-4,
		Loss: metric.LossXEntropy.String(),
	}
}

// Parse decodes JSON hypes and validates them.
func Parse(data []byte) (*Hypes, error) {
	h := new(Hypes)
	if err := json.Unmarshal(data, h); err != nil {
		return nil, errors.Wrap(err, "parse hypes")
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// ParseTOML decodes TOML hypes and validates them.
func ParseTOML(data []byte) (*Hypes, error) {
	h := new(Hypes)
	if _, err := toml.Decode(string(data), h); err != nil {
		return nil, errors.Wrap(err, "parse hypes")
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Load reads hypes from path. Files ending in ".toml" are decoded as TOML,
// anything else as JSON.
func Load(path string) (*Hypes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read hypes %q", path)
	}

	var h *Hypes
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		h, err = ParseTOML(data)
	} else {
		h, err = Parse(data)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%q", path)
	}
	return h, nil
}

// Validate checks hypes consistency. An empty class weight list is filled
// with ones.
func (h *Hypes) Validate() error {
	if h.Arch.NumClasses < 2 {
		return errors.Wrapf(ErrInvalidHypes, "arch.num_classes must be >= 2, got %d", h.Arch.NumClasses)
	}
	if len(h.Arch.Weight) == 0 {
		h.Arch.Weight = make([]float64, h.Arch.NumClasses)
		for i := range h.Arch.Weight {
			h.Arch.Weight[i] = 1
		}
	}
	if int64(len(h.Arch.Weight)) != h.Arch.NumClasses {
		return errors.Wrapf(ErrInvalidHypes, "arch.weight has %d entries for %d classes", len(h.Arch.Weight), h.Arch.NumClasses)
	}
	if h.Solver.Epsilon <= 0 {
		return errors.Wrapf(ErrInvalidHypes, "solver.epsilon must be > 0, got %g", h.Solver.Epsilon)
	}
	if h.WD < 0 {
		return errors.Wrapf(ErrInvalidHypes, "wd must be >= 0, got %g", h.WD)
	}
	if h.Loss == "" {
		h.Loss = metric.LossXEntropy.String()
	}
	if _, err := metric.ParseLossKind(h.Loss); err != nil {
		return errors.Wrapf(ErrInvalidHypes, "loss: %v", err)
	}
	if h.ScaleDown != nil && *h.ScaleDown <= 0 {
		return errors.Wrapf(ErrInvalidHypes, "scale_down must be > 0, got %g", *h.ScaleDown)
	}

	return nil
}

// LossKind returns the parsed loss kind.
func (h *Hypes) LossKind() metric.LossKind {
	k, err := metric.ParseLossKind(h.Loss)
	if err != nil {
		return metric.LossXEntropy
	}
	return k
}

// ScaleDownOrDefault returns scale_down, or 1 when absent.
func (h *Hypes) ScaleDownOrDefault() float64 {
	if h.ScaleDown == nil {
		return 1
	}
	return *h.ScaleDown
}

// SkipOrDefault returns skip, or true when absent.
func (h *Hypes) SkipOrDefault() bool {
	if h.Skip == nil {
		return true
	}
	return *h.Skip
}
