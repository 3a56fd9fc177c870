package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/fcnseg/config"
	"github.com/sugarme/fcnseg/metric"
)

const kittiHypes = `{
  "arch": {"num_classes": 2, "weight": [1, 2]},
  "solver": {"epsilon": 1e-9, "learning_rate": 1e-5, "opt": "Adam"},
  "wd": 5e-4,
  "loss": "softF1",
  "scale_down": 0.5,
  "skip": false
}`

const kittiTOML = `
wd = 5e-4
loss = "softIU"

[arch]
num_classes = 3

[solver]
epsilon = 1e-9
learning_rate = 1e-4
opt = "SGD"
`

func TestParse(t *testing.T) {
	h, err := config.Parse([]byte(kittiHypes))
	require.NoError(t, err)

	assert.Equal(t, int64(2), h.Arch.NumClasses)
	assert.Equal(t, []float64{1, 2}, h.Arch.Weight)
	assert.Equal(t, 1e-9, h.Solver.Epsilon)
	assert.Equal(t, "Adam", h.Solver.Opt)
	assert.Equal(t, metric.LossSoftF1, h.LossKind())
	assert.Equal(t, 0.5, h.ScaleDownOrDefault())
	assert.False(t, h.SkipOrDefault())
}

func TestDefaults(t *testing.T) {
	h, err := config.Parse([]byte(`{"arch": {"num_classes": 3}, "solver": {"epsilon": 1e-9}}`))
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 1, 1}, h.Arch.Weight)
	assert.Equal(t, metric.LossXEntropy, h.LossKind())
	assert.Equal(t, 1.0, h.ScaleDownOrDefault())
	assert.True(t, h.SkipOrDefault())

	d := config.Default(2)
	require.NoError(t, d.Validate())
	assert.Equal(t, "xentropy", d.Loss)
	assert.Equal(t, 5e-4, d.WD)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *config.Hypes)
	}{
		{"one class", func(h *config.Hypes) { h.Arch.NumClasses = 1; h.Arch.Weight = []float64{1} }},
		{"weights", func(h *config.Hypes) { h.Arch.Weight = []float64{1, 1, 1} }},
		{"epsilon", func(h *config.Hypes) { h.Solver.Epsilon = 0 }},
		{"wd", func(h *config.Hypes) { h.WD = -1 }},
		{"loss", func(h *config.Hypes) { h.Loss = "dice" }},
		{"scale_down", func(h *config.Hypes) { sd := 0.0; h.ScaleDown = &sd }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := config.Default(2)
			tt.mutate(h)
			assert.ErrorIs(t, h.Validate(), config.ErrInvalidHypes)
		})
	}

	_, err := config.Parse([]byte(`{"arch": `))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "hypes.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(kittiHypes), 0644))
	h, err := config.Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, metric.LossSoftF1, h.LossKind())

	tomlPath := filepath.Join(dir, "hypes.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(kittiTOML), 0644))
	h, err = config.Load(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, int64(3), h.Arch.NumClasses)
	assert.Equal(t, []float64{1, 1, 1}, h.Arch.Weight)
	assert.Equal(t, "SGD", h.Solver.Opt)
	assert.Equal(t, metric.LossSoftIU, h.LossKind())
	assert.True(t, h.SkipOrDefault())

	_, err = config.Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
