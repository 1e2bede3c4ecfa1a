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
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Formats.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// ErrUnknownFormat is returned for config files that are neither YAML nor TOML.
var ErrUnknownFormat = errors.New("unknown config format")

// =============================================================================
// Shared Validator Instance
// =============================================================================

// configValidate is the validator instance for PipelineConfig.
// Initialized in init() with custom validators.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("glob", validateGlob)
	_ = configValidate.RegisterValidation("semver_constraint", validateSemverConstraint)
}

// validateGlob accepts any pattern path.Match can compile.
func validateGlob(fl validator.FieldLevel) bool {
	_, err := path.Match(fl.Field().String(), "")
	return err == nil
}

func validateSemverConstraint(fl validator.FieldLevel) bool {
	_, err := semver.NewConstraint(fl.Field().String())
	return err == nil
}

// =============================================================================
// Loading
// =============================================================================

// FormatOf picks the format from the file extension.
func FormatOf(file string) (string, error) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%s: %w (want .yaml, .yml or .toml)", file, ErrUnknownFormat)
	}
}

// Load reads file over DefaultConfig. ${VAR} references are expanded from
// the process environment before decoding. The result is not validated;
// the caller applies flag overrides and then calls Validate.
func Load(file string) (PipelineConfig, error) {
	format, err := FormatOf(file)
	if err != nil {
		return PipelineConfig{}, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	return Parse(data, format, os.LookupEnv)
}

// Parse decodes data over DefaultConfig. Unknown keys are rejected.
func Parse(data []byte, format string, lookup func(string) (string, bool)) (PipelineConfig, error) {
	cfg := DefaultConfig()
	data = ExpandEnv(data, lookup)

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return PipelineConfig{}, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return PipelineConfig{}, fmt.Errorf("failed to parse TOML config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return PipelineConfig{}, fmt.Errorf("unknown TOML keys: %s", strings.Join(keys, ", "))
		}
	default:
		return PipelineConfig{}, fmt.Errorf("%q: %w", format, ErrUnknownFormat)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} with its value. Unset variables expand to "".
// A bare $VAR is left alone.
func ExpandEnv(data []byte, lookup func(string) (string, bool)) []byte {
	if lookup == nil {
		return data
	}
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, _ := lookup(name)
		return []byte(v)
	})
}

// WriteDefault writes DefaultConfig as YAML to file, creating its directory.
func WriteDefault(file string) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks struct tags and the rules that span fields.
func (c PipelineConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Health.Retry.Validate(); err != nil {
		return fmt.Errorf("health.retry: %w", err)
	}
	if c.Promotion.Enabled {
		if err := c.Promotion.Retry.Validate(); err != nil {
			return fmt.Errorf("promotion.retry: %w", err)
		}
		if c.ProductionPortMapping().HostPort == c.HostPort() && c.Environment != EnvProduction {
			return fmt.Errorf("promotion.port %d collides with the %s port", c.ProductionPortMapping().HostPort, c.Environment)
		}
		if c.Promotion.Approver == ApproverStatic && c.Promotion.StaticDecision == "" {
			return errors.New("promotion.static_decision is required for the static approver")
		}
		if len(c.Promotion.EligibleRefs) == 0 && c.Promotion.VersionConstraint == "" {
			return errors.New("promotion enabled without eligible_refs or version_constraint")
		}
	}
	if c.Report.GCSPrefix != "" && c.Report.GCSBucket == "" {
		return errors.New("report.gcs_prefix set without report.gcs_bucket")
	}
	return nil
}
