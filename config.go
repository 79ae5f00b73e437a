// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package uwmf

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"rescribe.xyz/uwmf/noise"
	"rescribe.xyz/uwmf/restore"
)

// ErrNoiseRange is returned when the values treated as noise don't
// leave any room for clean ones.
var ErrNoiseRange = errors.New("invalid noise range")

// Config holds settings which can be read from a YAML file rather
// than given as flags each time.
type Config struct {
	restore.Params `yaml:",inline"`
	Workers        int       `yaml:"workers"`
	Densities      []float64 `yaml:"densities"`
	Repeats        int       `yaml:"repeats"`
	Seed           int64     `yaml:"seed"`
	Region         string    `yaml:"region"`
	Verbose        bool      `yaml:"verbose"`
	Low            int       `yaml:"low"`  // values at or below are salt
	High           int       `yaml:"high"` // values at or above are pepper
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Params:    restore.DefaultParams(),
		Densities: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9},
		Repeats:   1,
		Seed:      1,
		Region:    defaultAwsRegion,
		Low:       0,
		High:      255,
	}
}

// CheckNoiseRange checks that Low and High are valid intensities with
// at least one clean value between them.
func (c Config) CheckNoiseRange() error {
	if c.Low < 0 || c.High > 255 || c.Low+1 >= c.High {
		return fmt.Errorf("%w: low %d, high %d", ErrNoiseRange, c.Low, c.High)
	}
	return nil
}

// Classifier returns the noise classifier for the configured range.
func (c Config) Classifier() restore.Classifier {
	if c.Low == 0 && c.High == 255 {
		return restore.Naive
	}
	return restore.Range(uint8(c.Low), uint8(c.High))
}

// LoadConfig reads a YAML config file. Settings missing from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("Could not read config %s: %w", path, err)
	}
	err = yaml.Unmarshal(b, &c)
	if err != nil {
		return c, fmt.Errorf("Could not parse config %s: %w", path, err)
	}
	err = c.Params.Validate()
	if err != nil {
		return c, fmt.Errorf("Invalid config %s: %w", path, err)
	}
	err = c.CheckNoiseRange()
	if err != nil {
		return c, fmt.Errorf("Invalid config %s: %w", path, err)
	}
	for _, d := range c.Densities {
		if !(d >= 0 && d <= 1) {
			return c, fmt.Errorf("Invalid config %s: %w: got %g", path, noise.ErrDensity, d)
		}
	}
	if c.Repeats < 1 {
		c.Repeats = 1
	}
	return c, nil
}
