// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/deploygate/services/gate/fsperm"
)

// ErrInvalid is returned for a configuration that does not validate.
var ErrInvalid = errors.New("invalid gateway configuration")

// maxConfigSize bounds how much of the file is read.
const maxConfigSize = 1 << 20

type loadOptions struct {
	stat fsperm.Stat
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithStat replaces the ownership check's lstat. Tests use it.
func WithStat(stat fsperm.Stat) LoadOption {
	return func(o *loadOptions) { o.stat = stat }
}

// Load reads the configuration at path over Default().
//
// # Description
//
// A missing file yields the defaults. An existing file must be root-owned
// and not group or world writable, since it names the commands the gateway
// runs with its own privileges. Unknown keys are errors.
//
// # Outputs
//
//   - Config: the validated configuration.
//   - error: wraps ErrInvalid for bad content, fsperm.ErrInsecure for bad
//     ownership, or an I/O error.
func Load(path string, opts ...LoadOption) (Config, error) {
	o := loadOptions{stat: fsperm.Lstat}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()
	if err := fsperm.RootOnlyWritable.Check(o.stat, path, false); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, Validate(cfg)
		}
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(data) > maxConfigSize {
		return Config{}, fmt.Errorf("%w: %s is larger than %d bytes", ErrInvalid, path, maxConfigSize)
	}

	if err := Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode strictly decodes YAML into cfg, leaving absent keys untouched.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field rules.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s fails %q", fe.Namespace(), fe.ActualTag()))
			}
			return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(msgs...))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("%w: telemetry.otlp_endpoint is required for the otlp exporter", ErrInvalid)
	}
	if budget := cfg.DeployBudget(); cfg.Lock.TTL <= budget {
		return fmt.Errorf("%w: lock.ttl %s must exceed the worst-case deployment time %s", ErrInvalid, cfg.Lock.TTL, budget)
	}
	return nil
}
