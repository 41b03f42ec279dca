package filter

import (
	"fmt"
	"strings"

	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/google/cel-go/cel"
)

// Filter selects updates with a CEL expression over these variables:
//
//	base_dn, dn, op, entry_uuid  string
//	server_id, timestamp_ms, seq int
//	size                         int (payload bytes)
//
// for example `op == "delete" && dn.endsWith(",ou=people,dc=example,dc=com")`.
// A Filter built from an empty expression matches everything.
type Filter struct {
	expr string
	prog cel.Program
}

// Compile parses and type checks expr.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("base_dn", cel.StringType),
		cel.Variable("dn", cel.StringType),
		cel.Variable("op", cel.StringType),
		cel.Variable("entry_uuid", cel.StringType),
		cel.Variable("server_id", cel.IntType),
		cel.Variable("timestamp_ms", cel.IntType),
		cel.Variable("seq", cel.IntType),
		cel.Variable("size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("invalid filter %q: must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, prog: prog}, nil
}

// Match reports whether msg satisfies the filter. Evaluation errors count
// as no match.
func (f *Filter) Match(msg *model.UpdateMsg) bool {
	if f == nil || f.prog == nil {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"base_dn":      msg.BaseDN,
		"dn":           msg.DN,
		"op":           msg.Operation.String(),
		"entry_uuid":   msg.EntryUUID,
		"server_id":    int64(msg.CSN.ServerID),
		"timestamp_ms": msg.CSN.Timestamp,
		"seq":          int64(msg.CSN.SeqNum),
		"size":         int64(len(msg.Payload)),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// String returns the filter expression, empty when it matches everything.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}
