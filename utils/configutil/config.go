// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configutil loads yaml configuration files, supporting chains of
// "extends" inheritance (a config file may name a base file whose fields it
// overrides, and that base may extend another) and validating the merged
// result once.
package configutil

import (
	"fmt"
	"io/ioutil"
	"path/filepath"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when a chain of "extends" references loops back
// on itself.
var ErrCycleRef = fmt.Errorf("cyclic reference in configuration extends detected")

// ValidationError wraps a failed struct-tag validation, preserving
// per-field errors.
type ValidationError struct {
	errs validator.ErrorMap
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %v", map[string]validator.ErrorArray(v.errs))
}

// ErrForField returns the validation errors recorded against field, or nil
// if field passed validation.
func (v ValidationError) ErrForField(field string) validator.ErrorArray {
	return v.errs[field]
}

type extendsStanza struct {
	Extends string `yaml:"extends"`
}

func readExtends(filename string) (string, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return "", err
	}
	var stanza extendsStanza
	if err := yaml.Unmarshal(data, &stanza); err != nil {
		return "", fmt.Errorf("parse %s: %s", filename, err)
	}
	return stanza.Extends, nil
}

// resolveExtends walks the "extends" chain starting at fpath, following
// lookupExtends (which returns the raw extends value recorded in a file, or
// "" if none) until it terminates. Relative extends values are resolved
// relative to the directory of the file that named them. Returns the chain
// ordered from the most-base file to fpath itself, so that applying files in
// order lets later entries override earlier ones.
func resolveExtends(fpath string, lookupExtends func(string) (string, error)) ([]string, error) {
	visited := make(map[string]bool)
	var chain []string
	cur := fpath
	for {
		if visited[cur] {
			return nil, ErrCycleRef
		}
		visited[cur] = true
		chain = append([]string{cur}, chain...)

		ext, err := lookupExtends(cur)
		if err != nil {
			return nil, err
		}
		if ext == "" {
			break
		}
		if !filepath.IsAbs(ext) {
			ext = filepath.Join(filepath.Dir(cur), ext)
		}
		cur = ext
	}
	return chain, nil
}

// loadFiles merges filenames into dest in order (later files override
// fields present in earlier ones) and validates the merged result once.
func loadFiles(dest interface{}, filenames []string) error {
	for _, fname := range filenames {
		data, err := ioutil.ReadFile(fname)
		if err != nil {
			return fmt.Errorf("read %s: %s", fname, err)
		}
		if err := yaml.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("parse %s: %s", fname, err)
		}
	}
	if err := validator.Validate(dest); err != nil {
		if errs, ok := err.(validator.ErrorMap); ok {
			return ValidationError{errs: errs}
		}
		return err
	}
	return nil
}

// Load reads filename into dest, first resolving any "extends" chain it
// names, merging base files in before filename's own fields, then validates
// the merged result against dest's `validate` struct tags.
func Load(filename string, dest interface{}) error {
	chain, err := resolveExtends(filename, readExtends)
	if err != nil {
		return err
	}
	return loadFiles(dest, chain)
}
