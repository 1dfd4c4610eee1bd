package palette

import (
	"fmt"
	"regexp"
)

// Parameter is a named, pattern-constrained slot in a template's argv skeleton.
// Values supplied at submission must match Pattern in full; anything else is
// rejected before a job is created.
type Parameter struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

// FileRole declares a file the command consumes or produces, with the local
// path the command expects it at relative to the job working directory.
type FileRole struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Template is one entry of the command palette: a fixed argv skeleton with
// declared parameters and file roles. Templates are loaded once at startup and
// never mutated.
type Template struct {
	Name    string      `yaml:"name"`
	Argv    []string    `yaml:"argv"`
	Params  []Parameter `yaml:"params"`
	Inputs  []FileRole  `yaml:"inputs"`
	Outputs []FileRole  `yaml:"outputs"`
}

// ValidatedCommand is the outcome of a successful Validate call: a concrete
// argv token list plus the file roles inherited from the template.
type ValidatedCommand struct {
	Template string
	Argv     []string
	Inputs   []FileRole
	Outputs  []FileRole
}

// UnknownTemplateError reports a template name absent from the palette.
type UnknownTemplateError struct {
	Template string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown template %q", e.Template)
}

// MissingArgumentError reports a declared parameter with no supplied value.
type MissingArgumentError struct {
	Template string
	Param    string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("template %q: missing argument %q", e.Template, e.Param)
}

// InvalidArgumentError reports a supplied value that does not match its
// parameter's pattern. This is the injection-prevention boundary.
type InvalidArgumentError struct {
	Template string
	Param    string
	Pattern  string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("template %q: argument %q does not match pattern %q", e.Template, e.Param, e.Pattern)
}

// UnexpectedArgumentError reports an argument key the template does not declare.
type UnexpectedArgumentError struct {
	Template string
	Param    string
}

func (e *UnexpectedArgumentError) Error() string {
	return fmt.Sprintf("template %q: unexpected argument %q", e.Template, e.Param)
}
