package reko

import "fmt"

// Stmt represents an RTL instruction.
type Stmt interface {
	stmt()
	String() string
}

func (*AssignStmt) stmt()     {}
func (*BranchStmt) stmt()     {}
func (*GotoStmt) stmt()       {}
func (*CallStmt) stmt()       {}
func (*SideEffectStmt) stmt() {}
func (*ReturnStmt) stmt()     {}
func (*NopStmt) stmt()        {}

// AssignStmt stores the value of Src into Dst.
type AssignStmt struct {
	Dst Expr
	Src Expr
}

// String returns the string representation of the statement.
func (s *AssignStmt) String() string {
	return fmt.Sprintf("%s = %s", s.Dst, s.Src)
}

// BranchStmt transfers control to Target when Cond holds and falls through
// otherwise. Target must be an address constant.
type BranchStmt struct {
	Cond   Expr
	Target Expr
}

// String returns the string representation of the statement.
func (s *BranchStmt) String() string {
	return fmt.Sprintf("branch %s %s", s.Cond, s.Target)
}

// GotoStmt transfers control to a possibly computed target.
type GotoStmt struct {
	Target Expr
}

// String returns the string representation of the statement.
func (s *GotoStmt) String() string {
	return fmt.Sprintf("goto %s", s.Target)
}

// CallStmt invokes a possibly computed procedure.
type CallStmt struct {
	Target Expr
}

// String returns the string representation of the statement.
func (s *CallStmt) String() string {
	return fmt.Sprintf("call %s", s.Target)
}

// SideEffectStmt evaluates an expression for its side effects only.
type SideEffectStmt struct {
	Expr Expr
}

// String returns the string representation of the statement.
func (s *SideEffectStmt) String() string {
	return s.Expr.String()
}

// ReturnStmt returns from the current procedure.
type ReturnStmt struct{}

// String returns the string representation of the statement.
func (s *ReturnStmt) String() string { return "return" }

// NopStmt has no effect.
type NopStmt struct{}

// String returns the string representation of the statement.
func (s *NopStmt) String() string { return "nop" }
