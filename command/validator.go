package command

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"github.com/isdmx/shellbox/config"
)

// Reason classifies a rejected command
type Reason string

// Rejection reasons
const (
	ReasonEmptyInput           Reason = "EmptyInput"
	ReasonForbiddenSyntax      Reason = "ForbiddenSyntax"
	ReasonMalformedQuoting     Reason = "MalformedQuoting"
	ReasonDisallowedExecutable Reason = "DisallowedExecutable"
	ReasonDisallowedArgument   Reason = "DisallowedArgument"
	ReasonInvalidArguments     Reason = "InvalidArguments"
	ReasonPathEscape           Reason = "PathEscape"
	ReasonNotADirectory        Reason = "NotADirectory"
)

// Rejection is returned for every input the validator refuses
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Rules configures a Validator
type Rules struct {
	AllowedExecutables []string
	ForbiddenTokens    []string
	// DeniedArgs lists, per executable, arguments that are refused either
	// verbatim or as the key of a key=value argument.
	DeniedArgs map[string][]string
	// CheckPathArgs rejects arguments that lexically resolve outside the
	// sandbox root.
	CheckPathArgs bool
}

// Scope is the filesystem context a command is validated against
type Scope struct {
	Root    string
	WorkDir string
}

// Validator turns raw input into an Invocation. It is safe for concurrent
// use; all state is fixed at construction.
type Validator struct {
	allowed       map[string]struct{}
	forbidden     []string
	denied        map[string]map[string]struct{}
	checkPathArgs bool
}

// NewValidator creates a Validator from rules. Missing forbidden tokens
// fall back to config.DefaultForbiddenTokens.
func NewValidator(rules Rules) *Validator {
	v := &Validator{
		allowed:       make(map[string]struct{}, len(rules.AllowedExecutables)),
		forbidden:     rules.ForbiddenTokens,
		denied:        make(map[string]map[string]struct{}, len(rules.DeniedArgs)),
		checkPathArgs: rules.CheckPathArgs,
	}
	if len(v.forbidden) == 0 {
		v.forbidden = config.DefaultForbiddenTokens
	}
	for _, name := range rules.AllowedExecutables {
		v.allowed[name] = struct{}{}
	}
	for name, args := range rules.DeniedArgs {
		set := make(map[string]struct{}, len(args))
		for _, arg := range args {
			set[arg] = struct{}{}
		}
		v.denied[name] = set
	}
	return v
}

// NewValidatorFromConfig creates a Validator from the sandbox and
// validator sections of cfg
func NewValidatorFromConfig(cfg *config.Config) *Validator {
	return NewValidator(Rules{
		AllowedExecutables: cfg.Sandbox.AllowedExecutables,
		ForbiddenTokens:    cfg.Validator.ForbiddenTokens,
		DeniedArgs:         cfg.Validator.DeniedArgs,
		CheckPathArgs:      cfg.Validator.CheckPathArgs,
	})
}

// Validate parses raw and returns the accepted invocation or a
// *Rejection. It never executes anything and never touches the
// filesystem.
func (v *Validator) Validate(raw string, scope Scope) (Invocation, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, reject(ReasonEmptyInput, "no command provided")
	}

	for _, token := range v.forbidden {
		if strings.Contains(raw, token) {
			return nil, reject(ReasonForbiddenSyntax, "%q is not allowed", token)
		}
	}

	tokens, err := shlex.Split(raw)
	if err != nil {
		return nil, reject(ReasonMalformedQuoting, "%v", err)
	}
	if len(tokens) == 0 {
		return nil, reject(ReasonEmptyInput, "no command provided")
	}

	name, args := tokens[0], tokens[1:]

	if build, ok := builtins[name]; ok {
		return build(args)
	}

	if _, ok := v.allowed[name]; !ok || strings.ContainsRune(name, filepath.Separator) {
		return nil, reject(ReasonDisallowedExecutable, "%q is not in the allow-list", name)
	}

	if denied := v.denied[name]; len(denied) > 0 {
		for _, arg := range args {
			if flag, ok := deniedArg(arg, denied); ok {
				return nil, reject(ReasonDisallowedArgument, "%q is not allowed for %s", flag, name)
			}
		}
	}

	if v.checkPathArgs && scope.Root != "" {
		for _, arg := range args {
			if err := checkPathArg(arg, scope); err != nil {
				return nil, err
			}
		}
	}

	return Exec{Name: name, Args: args}, nil
}

// deniedArg reports the denied option arg spells. Besides exact and
// key=value matches, a single-dash argument is treated as a cluster of
// short options, so -mpip and -Im both carry -m.
func deniedArg(arg string, denied map[string]struct{}) (string, bool) {
	if _, ok := denied[arg]; ok {
		return arg, true
	}
	key, _, _ := strings.Cut(arg, "=")
	if _, ok := denied[key]; ok {
		return key, true
	}
	if !isShortFlag(arg) {
		return "", false
	}
	for _, r := range arg[1:] {
		short := "-" + string(r)
		if _, ok := denied[short]; ok {
			return short, true
		}
	}
	return "", false
}

func isShortFlag(arg string) bool {
	return len(arg) > 1 && arg[0] == '-' && arg[1] != '-'
}

// checkPathArg rejects arguments that name a location outside the root.
// Long flags are inspected through their =value part. Short flags may
// carry the value attached (-o/path) or after a cluster (-rf/path).
func checkPathArg(arg string, scope Scope) error {
	if !strings.HasPrefix(arg, "-") {
		return checkPathCandidate(arg, arg, scope)
	}

	if _, value, ok := strings.Cut(arg, "="); ok {
		if err := checkPathCandidate(arg, value, scope); err != nil {
			return err
		}
	}
	if !isShortFlag(arg) {
		return nil
	}

	if len(arg) > 2 {
		if err := checkPathCandidate(arg, arg[2:], scope); err != nil {
			return err
		}
	}
	for i := 2; i < len(arg); i++ {
		if arg[i] != filepath.Separator && arg[i] != '~' {
			if !isASCIILetter(arg[i]) {
				break
			}
			continue
		}
		if err := checkPathCandidate(arg, arg[i:], scope); err != nil {
			return err
		}
		break
	}
	return nil
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func checkPathCandidate(arg, candidate string, scope Scope) error {
	if strings.HasPrefix(candidate, "~") {
		return reject(ReasonPathEscape, "%q refers to a home directory", arg)
	}
	if !strings.ContainsRune(candidate, filepath.Separator) && candidate != ".." {
		return nil
	}

	workDir := scope.WorkDir
	if workDir == "" {
		workDir = scope.Root
	}
	if !Within(scope.Root, Lexical(workDir, candidate)) {
		return reject(ReasonPathEscape, "%q is outside the sandbox", arg)
	}
	return nil
}
