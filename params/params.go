// Package params holds the search configuration. Values are config-driven
// with the defaults below; a JSON file can override any subset.
package params

import (
	"encoding/json"
	"io/ioutil"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Config configures the search core.
type Config struct {
	CpuctBase   float32 `json:"cpuct_base"`
	CpuctInit   float32 `json:"cpuct_init"`
	CpuctFactor float32 `json:"cpuct_factor"`

	RootDirichletAlpha   float32 `json:"root_dirichlet_alpha"`
	RootDirichletEpsilon float32 `json:"root_dirichlet_epsilon"`

	// Early-stop controller.
	ChecksBeforeMove  int `json:"checks_before_move"`
	GrowthBeforeCheck int `json:"growth_before_check"`

	ThreadCount             int `json:"thread_count"`
	TranspositionTableBytes int `json:"transposition_table_size_bytes"`

	ResignEvalThreshold float32 `json:"resign_eval_threshold"`
	TemperatureStart    float32 `json:"temperature_start"`
	TemperatureEnd      float32 `json:"temperature_end"`
	TemperatureCutoff   int     `json:"temperature_cutoff_ply"`

	NNBatchSize    int `json:"nn_batch_size"`
	NumSimulations int `json:"num_simulations"`
	HistoryWindow  int `json:"history_window"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		CpuctBase:               18368,
		CpuctInit:               2.147,
		CpuctFactor:             2.815,
		RootDirichletAlpha:      0.3,
		RootDirichletEpsilon:    0.25,
		ChecksBeforeMove:        3,
		GrowthBeforeCheck:       1000,
		ThreadCount:             4,
		TranspositionTableBytes: 10_000_000,
		ResignEvalThreshold:     0.9,
		TemperatureStart:        1.0,
		TemperatureEnd:          0.1,
		TemperatureCutoff:       30,
		NNBatchSize:             256,
		NumSimulations:          800,
		HistoryWindow:           1,
	}
}

// IsValid reports whether the config can drive a search.
func (c Config) IsValid() bool {
	return c.ThreadCount >= 1 &&
		c.NumSimulations >= 1 &&
		c.NNBatchSize >= 1 &&
		c.HistoryWindow >= 1 &&
		c.TemperatureStart > 0 &&
		c.TemperatureEnd > 0 &&
		c.CpuctBase > 0
}

// Load reads a JSON config file on top of the defaults.
func Load(path string) (Config, error) {
	c := Default()
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return c, errors.WithStack(err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, errors.Wrapf(err, "parse config %s", path)
	}
	if !c.IsValid() {
		return c, errors.Errorf("invalid config in %s", path)
	}
	return c, nil
}

// Cpuct returns the exploration constant for a parent with n visits:
// cpuct_init + cpuct_factor * ln((n + cpuct_base) / cpuct_base).
func (c Config) Cpuct(n int32) float32 {
	return c.CpuctInit + c.CpuctFactor*math32.Log((float32(n)+c.CpuctBase)/c.CpuctBase)
}
