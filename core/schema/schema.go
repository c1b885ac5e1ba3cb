// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates request bodies against JSON schemas before they are decoded
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError lists the reasons why a document did not match its schema
type ValidationError struct {
	SchemaID string
	Details  []string
}

func (e *ValidationError) Error() string {
	return "the document is not valid: " + strings.Join(e.Details, "; ")
}

// Validator is a utility to validate JSON object against a given schema
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidatorFromFS creates a new Validator using schemas from dir in schemaFS. Json files
// from dir will be used as toplevel schemas, while json files in dir/refs, if it exists,
// will be used as references
func NewValidatorFromFS(schemaFS fs.FS, dir string) (*Validator, error) {

	readDir := func(dir string) ([]string, error) {
		var strs []string
		files, err := fs.ReadDir(schemaFS, dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			str, err := fs.ReadFile(schemaFS, path.Join(dir, f.Name()))
			if err != nil {
				return nil, fmt.Errorf("cannot read file '%s' %w", f.Name(), err)
			}
			strs = append(strs, string(str))
		}
		return strs, nil
	}

	schemasString, err := readDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read dir %w", err)
	}

	refsString, err := readDir(path.Join(dir, "refs"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot read refs %w", err)
	}

	return NewValidator(schemasString, refsString)
}

// NewValidator creates a new Validator using schemas for the top level JSON schemas and refs
// for refs that may be referenced in the top level schemas. Top level schemas cannot reference each
// others. If a reference is mentioned, it can only be in the list of refs
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type schema struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		s := schema{}
		err := json.Unmarshal([]byte(str), &s)
		if err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		if _, ok := validator.schemaValidators[s.ID]; ok {
			return nil, fmt.Errorf("duplicate schema %s", s.ID)
		}
		sl := gojsonschema.NewSchemaLoader()

		for _, ref := range refs {
			if err := sl.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref %s %s", ref, err)
			}
		}
		compiled, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s %s", s.ID, err)
		}
		validator.schemaValidators[s.ID] = compiled
	}

	return &validator, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateStruct validates the given value as a struct against schemaID. If no error is returned,
// then the passed value is valid
func (v *Validator) ValidateStruct(value interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(value), schemaID)
}

// ValidateString validates the given json against schemaID. If no error is returned, then the
// passed json is valid
func (v *Validator) ValidateString(json, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(json), schemaID)
}

// ValidateBytes validates the given json against schemaID
func (v *Validator) ValidateBytes(body []byte, schemaID string) error {
	return v.validate(gojsonschema.NewBytesLoader(body), schemaID)
}

// Decode validates body against schemaID and unmarshals it into out
func (v *Validator) Decode(body []byte, schemaID string, out interface{}) error {
	if err := v.ValidateBytes(body, schemaID); err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// validate validates the given loader against schemaID. If no error is returned, then the passed json
// is valid. A document that does not match returns a *ValidationError
func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {

	schema, ok := v.schemaValidators[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s ", schemaID)
	}

	result, err := schema.Validate(loader)
	if err != nil {
		return &ValidationError{SchemaID: schemaID, Details: []string{err.Error()}}
	}

	if !result.Valid() {
		verr := &ValidationError{SchemaID: schemaID}
		for _, e := range result.Errors() {
			verr.Details = append(verr.Details, e.String())
		}
		return verr
	}
	return nil
}
