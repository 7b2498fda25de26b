package command

// Invocation is an accepted command. The concrete type is either
// ChangeDir or Exec.
type Invocation interface {
	invocation()
	// String renders the invocation for logs and history.
	String() string
}

// ChangeDir is the directory change built-in. An empty Target means the
// sandbox root.
type ChangeDir struct {
	Target string
}

// Exec runs an allow-listed executable with literal arguments.
type Exec struct {
	Name string
	Args []string
}

func (ChangeDir) invocation() {}
func (Exec) invocation()      {}

func (c ChangeDir) String() string {
	if c.Target == "" {
		return BuiltinChangeDir
	}
	return BuiltinChangeDir + " " + c.Target
}

func (e Exec) String() string {
	s := e.Name
	for _, arg := range e.Args {
		s += " " + arg
	}
	return s
}

// BuiltinChangeDir is the token recognized as the directory change built-in
const BuiltinChangeDir = "cd"

// builtins maps a leading token to the constructor of its variant
var builtins = map[string]func(args []string) (Invocation, error){
	BuiltinChangeDir: func(args []string) (Invocation, error) {
		switch len(args) {
		case 0:
			return ChangeDir{}, nil
		case 1:
			return ChangeDir{Target: args[0]}, nil
		default:
			return nil, reject(ReasonInvalidArguments, "cd takes at most one argument")
		}
	},
}
