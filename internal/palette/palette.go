package palette

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	envRefPattern      = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// Palette is the process-wide, read-only set of command templates, keyed by
// name. Built once by Load; safe for concurrent use afterwards.
type Palette struct {
	templates map[string]*Template
}

type paletteFile struct {
	Templates []*Template `yaml:"templates"`
}

// Load reads and compiles a palette definition from a YAML file.
func Load(path string) (*Palette, error) {
	return LoadWithEnvironments(path, "")
}

// LoadWithEnvironments is Load plus resolution of {env:NAME} references in
// argv skeletons against an allow-list YAML file of name->value pairs.
// References are resolved once here, never per-request.
func LoadWithEnvironments(path, envPath string) (*Palette, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read palette file: %w", err)
	}

	envs := map[string]string{}
	if envPath != "" {
		envData, err := os.ReadFile(envPath)
		if err != nil {
			return nil, fmt.Errorf("read environments file: %w", err)
		}
		if err := yaml.Unmarshal(envData, &envs); err != nil {
			return nil, fmt.Errorf("parse environments file: %w", err)
		}
	}

	var doc paletteFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse palette file: %w", err)
	}
	if len(doc.Templates) == 0 {
		return nil, fmt.Errorf("palette file %q declares no templates", path)
	}

	p := &Palette{templates: make(map[string]*Template, len(doc.Templates))}
	for _, tmpl := range doc.Templates {
		if err := compileTemplate(tmpl, envs); err != nil {
			return nil, err
		}
		if _, dup := p.templates[tmpl.Name]; dup {
			return nil, fmt.Errorf("duplicate template name %q", tmpl.Name)
		}
		p.templates[tmpl.Name] = tmpl
	}
	return p, nil
}

// compileTemplate resolves env references, compiles parameter patterns, and
// enforces the skeleton/parameter cross-reference invariant.
func compileTemplate(tmpl *Template, envs map[string]string) error {
	if strings.TrimSpace(tmpl.Name) == "" {
		return fmt.Errorf("template with empty name")
	}
	if len(tmpl.Argv) == 0 {
		return fmt.Errorf("template %q: argv skeleton is empty", tmpl.Name)
	}

	declared := make(map[string]bool, len(tmpl.Params))
	for i := range tmpl.Params {
		param := &tmpl.Params[i]
		if strings.TrimSpace(param.Name) == "" {
			return fmt.Errorf("template %q: parameter with empty name", tmpl.Name)
		}
		if declared[param.Name] {
			return fmt.Errorf("template %q: duplicate parameter %q", tmpl.Name, param.Name)
		}
		declared[param.Name] = true

		re, err := regexp.Compile(anchor(param.Pattern))
		if err != nil {
			return fmt.Errorf("template %q: parameter %q: invalid pattern: %w", tmpl.Name, param.Name, err)
		}
		param.re = re
	}

	referenced := make(map[string]bool)
	for i, token := range tmpl.Argv {
		var envErr error
		token = envRefPattern.ReplaceAllStringFunc(token, func(ref string) string {
			name := envRefPattern.FindStringSubmatch(ref)[1]
			val, ok := envs[name]
			if !ok && envErr == nil {
				envErr = fmt.Errorf("template %q: environment %q not in allow-list", tmpl.Name, name)
			}
			return val
		})
		if envErr != nil {
			return envErr
		}
		tmpl.Argv[i] = token

		for _, m := range placeholderPattern.FindAllStringSubmatch(token, -1) {
			referenced[m[1]] = true
		}
	}

	for name := range referenced {
		if !declared[name] {
			return fmt.Errorf("template %q: skeleton references undeclared parameter %q", tmpl.Name, name)
		}
	}
	for name := range declared {
		if !referenced[name] {
			return fmt.Errorf("template %q: parameter %q never referenced by skeleton", tmpl.Name, name)
		}
	}
	return nil
}

// Validate instantiates a concrete argv from templateName and args.
// It is a pure function over the loaded palette: values are matched against
// their parameter pattern and substituted as discrete tokens, never
// interpolated as shell text.
func (p *Palette) Validate(templateName string, args map[string]string) (ValidatedCommand, error) {
	tmpl, ok := p.templates[templateName]
	if !ok {
		return ValidatedCommand{}, &UnknownTemplateError{Template: templateName}
	}

	declared := make(map[string]*Parameter, len(tmpl.Params))
	for i := range tmpl.Params {
		declared[tmpl.Params[i].Name] = &tmpl.Params[i]
	}
	for name := range args {
		if _, ok := declared[name]; !ok {
			return ValidatedCommand{}, &UnexpectedArgumentError{Template: tmpl.Name, Param: name}
		}
	}

	values := make(map[string]string, len(tmpl.Params))
	for _, param := range tmpl.Params {
		val, ok := args[param.Name]
		if !ok {
			return ValidatedCommand{}, &MissingArgumentError{Template: tmpl.Name, Param: param.Name}
		}
		if !param.re.MatchString(val) {
			return ValidatedCommand{}, &InvalidArgumentError{Template: tmpl.Name, Param: param.Name, Pattern: param.Pattern}
		}
		values[param.Name] = val
	}

	argv := make([]string, len(tmpl.Argv))
	for i, token := range tmpl.Argv {
		argv[i] = placeholderPattern.ReplaceAllStringFunc(token, func(ref string) string {
			name := placeholderPattern.FindStringSubmatch(ref)[1]
			return values[name]
		})
	}

	return ValidatedCommand{
		Template: tmpl.Name,
		Argv:     argv,
		Inputs:   append([]FileRole(nil), tmpl.Inputs...),
		Outputs:  append([]FileRole(nil), tmpl.Outputs...),
	}, nil
}

// Names returns the template names in sorted order, for diagnostics.
func (p *Palette) Names() []string {
	names := make([]string, 0, len(p.templates))
	for name := range p.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the template for name, if present.
func (p *Palette) Lookup(name string) (*Template, bool) {
	tmpl, ok := p.templates[name]
	return tmpl, ok
}

// anchor wraps pattern so it must match the whole value. Every pattern is
// wrapped unconditionally: a pattern that looks anchored, like "^a|b$", binds
// its anchors to the alternation branches and would still match mid-string.
func anchor(pattern string) string {
	return `\A(?:` + pattern + `)\z`
}
