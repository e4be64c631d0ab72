package query

import "github.com/sharedcode/opticoll/compare"

// Expr is a node in the filter expression tree: Ref, Val, or FuncCall.
type Expr interface {
	isExpr()
}

// Ref references a record field by path, e.g. ["address", "city"].
type Ref struct {
	Path []string
}

// Val is a literal operand.
type Val struct {
	V compare.Value
}

// FuncCall applies a named operator to its arguments. Name is one of eq, gt, gte, lt,
// lte, in, and, or; the set is extensible but Optimize and the CEL compiler only know
// these.
type FuncCall struct {
	Name string
	Args []Expr
}

func (Ref) isExpr()      {}
func (Val) isExpr()      {}
func (FuncCall) isExpr() {}

// Eq, Gt, Gte, Lt, Lte, In, And, and Or are convenience constructors.
func Eq(a, b Expr) FuncCall  { return FuncCall{Name: "eq", Args: []Expr{a, b}} }
func Gt(a, b Expr) FuncCall  { return FuncCall{Name: "gt", Args: []Expr{a, b}} }
func Gte(a, b Expr) FuncCall { return FuncCall{Name: "gte", Args: []Expr{a, b}} }
func Lt(a, b Expr) FuncCall  { return FuncCall{Name: "lt", Args: []Expr{a, b}} }
func Lte(a, b Expr) FuncCall { return FuncCall{Name: "lte", Args: []Expr{a, b}} }
func In(ref Expr, vals Val) FuncCall {
	return FuncCall{Name: "in", Args: []Expr{ref, vals}}
}
func And(args ...Expr) FuncCall { return FuncCall{Name: "and", Args: args} }
func Or(args ...Expr) FuncCall  { return FuncCall{Name: "or", Args: args} }

// Field builds a Ref from path segments.
func Field(path ...string) Ref { return Ref{Path: path} }

// Lit builds a Val from a compare.Value.
func Lit(v compare.Value) Val { return Val{V: v} }
