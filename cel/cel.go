// Package cel evaluates CEL expressions deciding whether a snapshot is admitted into the shared cache.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/sharedcode/uow"
)

// AdmissionRule holds a compiled boolean CEL expression over the variable `snapshot`, a map with
// keys "class" (string), "key" (string), "version" (int) and "fields" (number of loaded fields).
//
//	snapshot.class != 'AuditEntry' && snapshot.fields <= 32
type AdmissionRule struct {
	Expression string
	program    cel.Program
}

// NewAdmissionRule compiles expression. An empty expression is an error.
func NewAdmissionRule(expression string) (*AdmissionRule, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}
	env, err := cel.NewEnv(
		cel.Variable("snapshot", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("admission rule must evaluate to bool, got %v", ast.OutputType())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &AdmissionRule{
		Expression: expression,
		program:    p,
	}, nil
}

// Admit evaluates the rule against s.
func (r *AdmissionRule) Admit(s *uow.Snapshot) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{
		"snapshot": map[string]any{
			"class":   s.ID.Class,
			"key":     s.ID.Key,
			"version": s.Version,
			"fields":  int64(s.Loaded.Len()),
		},
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("admission rule returned %v, not a bool", out.Value())
	}
	return b, nil
}
