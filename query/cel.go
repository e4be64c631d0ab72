package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/sharedcode/opticoll/compare"
)

// RowEvaluator compiles an Expr into a google/cel-go program that tests a single
// record, the row-scan fallback used whenever Optimize cannot fully answer a clause
// from an index.
type RowEvaluator struct {
	source  string
	program cel.Program
}

// CompileRowEvaluator builds a RowEvaluator for expr, which must evaluate to a bool.
func CompileRowEvaluator(expr Expr) (*RowEvaluator, error) {
	src, err := compileToCEL(expr)
	if err != nil {
		return nil, fmt.Errorf("query: compiling expression to CEL: %w", err)
	}
	env, err := cel.NewEnv(cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("query: creating CEL env: %w", err)
	}
	ast, iss := env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("query: compiling %q: %w", src, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("query: building CEL program: %w", err)
	}
	return &RowEvaluator{source: src, program: prg}, nil
}

// Matches evaluates the compiled predicate against record.
func (r *RowEvaluator) Matches(record map[string]any) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{"row": record})
	if err != nil {
		return false, fmt.Errorf("query: evaluating %q: %w", r.source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("query: expression %q did not evaluate to a bool", r.source)
	}
	return b, nil
}

func compileToCEL(e Expr) (string, error) {
	switch v := e.(type) {
	case Ref:
		return renderRef(v), nil
	case Val:
		return renderVal(v.V)
	case FuncCall:
		return compileFuncToCEL(v)
	default:
		return "", fmt.Errorf("unknown expression type %T", e)
	}
}

func compileFuncToCEL(fc FuncCall) (string, error) {
	switch fc.Name {
	case "eq":
		return binOp(fc.Args, "==")
	case "gt":
		return binOp(fc.Args, ">")
	case "gte":
		return binOp(fc.Args, ">=")
	case "lt":
		return binOp(fc.Args, "<")
	case "lte":
		return binOp(fc.Args, "<=")
	case "and":
		return joinOp(fc.Args, "&&")
	case "or":
		return joinOp(fc.Args, "||")
	case "in":
		return binOp(fc.Args, "in")
	default:
		return "", fmt.Errorf("unknown function %q", fc.Name)
	}
}

func binOp(args []Expr, op string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("operator %q requires exactly 2 arguments, got %d", op, len(args))
	}
	left, err := compileToCEL(args[0])
	if err != nil {
		return "", err
	}
	right, err := compileToCEL(args[1])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s %s %s)", left, op, right), nil
}

func joinOp(args []Expr, op string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("operator %q requires at least 1 argument", op)
	}
	parts := make([]string, len(args))
	for i, a := range args {
		s, err := compileToCEL(a)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")", nil
}

// renderRef builds a presence-guarded field access rather than a bare row["field"]
// index: CEL raises a runtime "no such key" error indexing a map for an absent key, and
// a field dropped by an omitempty JSON round trip is exactly the "absent field" §4.1
// says must evaluate as null, not as an evaluation error that fails the whole
// expression.
func renderRef(r Ref) string {
	accessor := "row"
	var conds []string
	for _, seg := range r.Path {
		key := strconv.Quote(seg)
		conds = append(conds, fmt.Sprintf("(%s in %s)", key, accessor))
		accessor = accessor + "[" + key + "]"
	}
	return fmt.Sprintf("((%s) ? %s : null)", strings.Join(conds, " && "), accessor)
}

func renderVal(v compare.Value) (string, error) {
	switch v.Kind() {
	case compare.KindNull:
		return "null", nil
	case compare.KindBool:
		if v.Bool() {
			return "true", nil
		}
		return "false", nil
	case compare.KindInt:
		return strconv.FormatInt(v.Int(), 10), nil
	case compare.KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case compare.KindString:
		return strconv.Quote(v.Str()), nil
	case compare.KindArray:
		parts := make([]string, len(v.Arr()))
		for i, e := range v.Arr() {
			s, err := renderVal(e)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	default:
		return "", fmt.Errorf("value kind %d has no CEL literal form", v.Kind())
	}
}
