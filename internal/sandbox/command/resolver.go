// Package command turns a language id and a workspace into compile and run invocations.
package command

import (
	"path/filepath"
	"strings"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/workspace"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"

	"github.com/google/shlex"
)

// InputShape selects how a case input reaches the program.
type InputShape string

const (
	// ShapeStdin writes the input to standard input and closes it.
	ShapeStdin InputShape = "stdin"
	// ShapeArgs splits the input on whitespace and appends it to argv.
	ShapeArgs InputShape = "args"
)

// Strategy names an isolation strategy.
const (
	StrategyProcess   = "process"
	StrategyContainer = "container"
)

// LanguageSpec defines how to compile and run a language.
type LanguageSpec struct {
	ID            string     `yaml:"id"`
	Aliases       []string   `yaml:"aliases"`
	Prefix        string     `yaml:"prefix"`
	SourceFile    string     `yaml:"sourceFile"`
	BinaryFile    string     `yaml:"binaryFile"`
	CompileCmdTpl string     `yaml:"compileCmd"`
	RunCmdTpl     string     `yaml:"runCmd"`
	InputShape    InputShape `yaml:"inputShape"`
	Env           []string   `yaml:"env"`
	Strategy      string     `yaml:"strategy"`
	Image         string     `yaml:"image"`
}

// Compiled reports whether the language has a compile step.
func (l LanguageSpec) Compiled() bool {
	return strings.TrimSpace(l.CompileCmdTpl) != ""
}

// Layout returns the workspace layout the language expects.
func (l LanguageSpec) Layout() workspace.Layout {
	prefix := l.Prefix
	if prefix == "" {
		prefix = l.ID
	}
	return workspace.Layout{Prefix: prefix, SourceFileName: l.SourceFile}
}

// RunCommand is a run invocation before a case input is bound to it.
type RunCommand struct {
	Argv  []string
	Shape InputShape
	Env   []string
	Dir   string
}

// Bind returns argv and stdin for one case input.
// For ShapeArgs stdin is empty and hasStdin is false.
func (c RunCommand) Bind(input string) (argv []string, stdin string, hasStdin bool) {
	argv = append([]string(nil), c.Argv...)
	if c.Shape == ShapeArgs {
		return append(argv, strings.Fields(input)...), "", false
	}
	return argv, input, true
}

// ExecutionCommand is resolved once per submission and never mutated.
type ExecutionCommand struct {
	Language string
	Compile  []string
	Dir      string
	Env      []string
	Run      RunCommand
}

// HasCompile reports whether a compile step must run before the cases.
func (c ExecutionCommand) HasCompile() bool {
	return len(c.Compile) > 0
}

// Resolver maps language ids to LanguageSpecs.
type Resolver struct {
	languages map[string]LanguageSpec
}

// NewResolver indexes specs by id and alias. Later entries override earlier ones.
func NewResolver(specs []LanguageSpec) *Resolver {
	langs := make(map[string]LanguageSpec, len(specs))
	for _, spec := range specs {
		id := normalize(spec.ID)
		if id == "" {
			continue
		}
		if spec.InputShape == "" {
			spec.InputShape = ShapeStdin
		}
		if spec.Strategy == "" {
			spec.Strategy = StrategyProcess
		}
		langs[id] = spec
		for _, alias := range spec.Aliases {
			if a := normalize(alias); a != "" {
				langs[a] = spec
			}
		}
	}
	return &Resolver{languages: langs}
}

// Language returns the spec for an id or alias.
func (r *Resolver) Language(id string) (LanguageSpec, error) {
	if strings.TrimSpace(id) == "" {
		return LanguageSpec{}, appErr.ValidationError("language", "required")
	}
	spec, ok := r.languages[normalize(id)]
	if !ok {
		return LanguageSpec{}, appErr.Newf(appErr.LanguageNotSupported, "unsupported language: %s", id)
	}
	return spec, nil
}

// Resolve builds the compile and run commands for a workspace.
// runRoot is the directory the run step sees the workspace at; empty means ws.Dir.
func (r *Resolver) Resolve(language string, ws *workspace.Workspace, runRoot string) (ExecutionCommand, error) {
	spec, err := r.Language(language)
	if err != nil {
		return ExecutionCommand{}, err
	}
	if ws == nil {
		return ExecutionCommand{}, appErr.ValidationError("workspace", "required")
	}
	if runRoot == "" {
		runRoot = ws.Dir
	}

	cmd := ExecutionCommand{
		Language: spec.ID,
		Dir:      ws.Dir,
		Env:      append([]string(nil), spec.Env...),
	}
	if spec.Compiled() {
		cmd.Compile, err = expand(spec.CompileCmdTpl, spec, ws.Dir)
		if err != nil {
			return ExecutionCommand{}, err
		}
	}

	argv, err := expand(spec.RunCmdTpl, spec, runRoot)
	if err != nil {
		return ExecutionCommand{}, err
	}
	cmd.Run = RunCommand{
		Argv:  argv,
		Shape: spec.InputShape,
		Env:   append([]string(nil), spec.Env...),
		Dir:   runRoot,
	}
	return cmd, nil
}

// expand splits the template before substituting paths, so a root containing
// spaces stays a single argument.
func expand(tpl string, spec LanguageSpec, root string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	fields, err := shlex.Split(tpl)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	replacer := strings.NewReplacer(
		"{src}", filepath.Join(root, spec.SourceFile),
		"{bin}", filepath.Join(root, spec.BinaryFile),
		"{dir}", root,
	)
	for i, field := range fields {
		fields[i] = replacer.Replace(field)
	}
	return fields, nil
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
