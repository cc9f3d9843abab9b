// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config creates a grovenode configuration from various sources.
package config

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v2"

	"grovefs.io/errors"
	"grovefs.io/grove"
	"grovefs.io/log"
)

// base implements grove.Config, returning default values for all operations.
type base struct{}

func (base) NameDir() string        { return defaultNameDir }
func (base) Replication() uint16    { return defaultReplication }
func (base) MaxReplication() uint16 { return defaultMaxReplication }

// New returns a config with all fields set as defaults.
func New() grove.Config {
	return base{}
}

const (
	defaultNameDir        = "/var/grove/name"
	defaultReplication    = 3
	defaultMaxReplication = 512
)

// Known keys. All others are treated as errors.
const (
	namedir        = "namedir"
	replication    = "replication"
	maxreplication = "maxreplication"
	loglevel       = "loglevel"
)

// FromFile initializes a config using the given file.
func FromFile(name string) (grove.Config, error) {
	const op = "config.FromFile"
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotExist, err)
		}
		return nil, errors.E(op, err)
	}
	defer f.Close()
	return InitConfig(f)
}

// InitConfig returns a config generated from a configuration file.
//
// A configuration file is YAML of the form
//	key: value
// where key may be one of namedir, replication, maxreplication, or
// loglevel. Every key has a default; unrecognized keys are an error.
func InitConfig(r io.Reader) (grove.Config, error) {
	const op = "config.InitConfig"
	vals := map[string]string{
		namedir:        defaultNameDir,
		replication:    strconv.Itoa(defaultReplication),
		maxreplication: strconv.Itoa(defaultMaxReplication),
		loglevel:       "",
	}

	// Read the YAML definition.
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if err := valsFromYAML(vals, data); err != nil {
		return nil, errors.E(op, err)
	}

	// Construct a config from vals.
	cfg := New()
	cfg = SetNameDir(cfg, vals[namedir])

	rep, err := asReplication(vals[replication])
	if err != nil {
		return nil, errors.E(op, errors.Errorf("%s: %v", replication, err))
	}
	cfg = SetReplication(cfg, rep)

	max, err := asReplication(vals[maxreplication])
	if err != nil {
		return nil, errors.E(op, errors.Errorf("%s: %v", maxreplication, err))
	}
	cfg = SetMaxReplication(cfg, max)

	if lvl := vals[loglevel]; lvl != "" {
		if err := log.SetLevel(lvl); err != nil {
			return nil, errors.E(op, errors.Invalid, err)
		}
	}

	return cfg, nil
}

// valsFromYAML parses YAML from the data and puts the values into the
// provided map. Unrecognized keys generate an error.
func valsFromYAML(vals map[string]string, data []byte) error {
	newVals := map[string]interface{}{}
	if err := yaml.Unmarshal(data, newVals); err != nil {
		return errors.E(errors.Invalid, errors.Errorf("parsing YAML file: %v", err))
	}
	for k, v := range newVals {
		if _, ok := vals[k]; !ok {
			return errors.E(errors.Invalid, errors.Errorf("unrecognized key %q", k))
		}
		s, err := asString(v)
		if err != nil {
			return fmt.Errorf("%q: %v", k, err)
		}
		vals[k] = s
	}
	return nil
}

// asString tries to convert a value back into its original string. This will not
// always be possible but should be for all our expected use cases.
func asString(v interface{}) (string, error) {
	switch vc := v.(type) {
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return fmt.Sprintf("%v", vc), nil
	case string:
		return vc, nil
	}
	return "", errors.E(errors.Invalid, errors.Errorf("unrecognized value %T", v))
}

// asReplication parses a replication factor, which must fit in 16 bits
// and be greater than zero.
func asReplication(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.E(errors.Invalid, errors.Errorf("bad replication factor %q", s))
	}
	if n == 0 {
		return 0, errors.E(errors.Invalid, errors.Str("replication factor must be positive"))
	}
	return uint16(n), nil
}

type cfgNameDir struct {
	grove.Config
	dir string
}

func (cfg cfgNameDir) NameDir() string {
	return cfg.dir
}

// SetNameDir returns a config derived from the given config
// with the given name directory.
func SetNameDir(cfg grove.Config, dir string) grove.Config {
	return cfgNameDir{
		Config: cfg,
		dir:    dir,
	}
}

type cfgReplication struct {
	grove.Config
	replication uint16
}

func (cfg cfgReplication) Replication() uint16 {
	return cfg.replication
}

// SetReplication returns a config derived from the given config
// with the given default replication factor.
func SetReplication(cfg grove.Config, r uint16) grove.Config {
	return cfgReplication{
		Config:      cfg,
		replication: r,
	}
}

type cfgMaxReplication struct {
	grove.Config
	max uint16
}

func (cfg cfgMaxReplication) MaxReplication() uint16 {
	return cfg.max
}

// SetMaxReplication returns a config derived from the given config
// with the given replication bound.
func SetMaxReplication(cfg grove.Config, max uint16) grove.Config {
	return cfgMaxReplication{
		Config: cfg,
		max:    max,
	}
}
