// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/interceptor/internal/errors"
)

// LoadFile reads, decodes, defaults and validates an HCL file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to read config file")
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes data as HCL. filename is used in diagnostics; a name
// without an .hcl extension is decoded as HCL anyway.
func LoadBytes(filename string, data []byte) (*Config, error) {
	if ext := filepath.Ext(filename); ext != ".hcl" && ext != ".json" {
		filename += ".hcl"
	}

	var cfg Config
	if err := hclsimple.Decode(filename, data, evalContext(), &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to decode config")
	}
	cfg.applyDefaults()

	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Wrap(errs, errors.KindValidation, "invalid config")
	}
	return &cfg, nil
}

// evalContext exposes the process environment as env.NAME.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntax.ValidIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}

	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}
