package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// ValidationError is one problem found in a configuration file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.File == "" {
		return e.Message
	}
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// FileError reports every problem found in one configuration file.
type FileError struct {
	Path   string
	Errors []ValidationError
}

// Error implements the error interface.
func (e *FileError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return fmt.Sprintf("invalid configuration file %s: %s", e.Path, strings.Join(msgs, "; "))
}

// CUEParser checks CUE configuration against the embedded schema and
// exports it as JSON.
type CUEParser struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewCUEParser compiles the embedded schema.
func NewCUEParser() (*CUEParser, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile configuration schema: %w", err)
	}
	return &CUEParser{
		ctx:    ctx,
		schema: schema.LookupPath(cue.ParsePath("#Config")),
	}, nil
}

// Parse compiles content, unifies it with the schema and returns the
// concrete value as JSON.
func (cp *CUEParser) Parse(filename string, content []byte) ([]byte, error) {
	val := cp.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &FileError{Path: filename, Errors: convertCUEErrors(err)}
	}

	unified := cp.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &FileError{Path: filename, Errors: convertCUEErrors(err)}
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, &FileError{Path: filename, Errors: convertCUEErrors(err)}
	}
	return data, nil
}

// convertCUEErrors flattens a CUE error list with positions.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
