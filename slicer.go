package reko

import (
	"fmt"

	"github.com/benbjohnson/immutable"
	"github.com/retroenv/retrogolib/log"
)

// Host provides the slicer with its view of the partially-built control
// flow graph. Predecessor order must be deterministic for a given host.
type Host interface {
	Predecessors(b *Block) []*Block
	Instructions(b *Block) []Stmt
}

// Block is a basic block of RTL instructions in the host's control flow
// graph. Blocks are identified by pointer.
type Block struct {
	Name string
	Addr uint64
}

// String returns the string representation of the block.
func (b *Block) String() string { return b.Name }

// ContextType classifies why an expression is live during a slice.
type ContextType int

// Context types.
const (
	ContextNone = ContextType(iota)
	ContextJumptable
	ContextCondition
)

var contextTypes = [...]string{
	ContextNone:      "none",
	ContextJumptable: "jumptable",
	ContextCondition: "condition",
}

// String returns the string representation of the context type.
func (t ContextType) String() string {
	if t >= 0 && t < ContextType(len(contextTypes)) {
		return contextTypes[t]
	}
	return fmt.Sprintf("ContextType<%d>", int(t))
}

// SlicerContext records how an expression contributes to the indirect
// target: its use kind and the bit range that is live.
type SlicerContext struct {
	Type  ContextType
	Range BitRange
}

// String returns the string representation of the context.
func (c SlicerContext) String() string {
	return fmt.Sprintf("%s%s", c.Type, c.Range)
}

// Slicer resolves the targets of an indirect control transfer by walking
// the control flow graph backward from the transfer, tracking which
// storage locations contribute to the computed target.
type Slicer struct {
	host     Host
	logger   *log.Logger
	worklist []*sliceState
	visited  map[*Block]struct{}

	// State most recently selected by Start or Step. The public result
	// accessors read from it.
	current *sliceState
}

// New returns a new instance of Slicer reading the control flow graph
// through host.
func New(host Host, logger *log.Logger) *Slicer {
	return &Slicer{
		host:    host,
		logger:  logger,
		visited: make(map[*Block]struct{}),
	}
}

// Start seeds the slice at instruction iInstr of block b, where target is
// the expression of the indirect control transfer. It returns false, and
// enqueues no work, when the target contains no live storage to trace.
func (s *Slicer) Start(b *Block, iInstr int, target Expr) (bool, error) {
	state := newSliceState(s, b, iInstr)
	s.visited[b] = struct{}{}
	s.current = state

	s.logger.Debug("slice started",
		log.String("block", b.Name),
		log.Int("instr", iInstr),
		log.String("target", target.String()))

	res, err := state.visitExpr(target, SlicerContext{Type: ContextJumptable, Range: RangeOf(target)})
	if err != nil {
		return false, err
	}
	if state.live.Len() == 0 {
		s.logger.Debug("no live storage in indirect target", log.String("target", target.String()))
		return false, nil
	}
	state.jumpTableFormat = res.src
	if !res.stop {
		s.worklist = append(s.worklist, state)
	}
	return true, nil
}

// Step performs one unit of backward work: one instruction of one slice
// path, or one predecessor fan-out when a path has reached the top of its
// block. It returns false when no work remains. A non-nil error aborts the
// path that raised it; results recorded so far remain readable.
func (s *Slicer) Step() (bool, error) {
	if len(s.worklist) == 0 {
		return false, nil
	}
	state := s.worklist[0]
	s.worklist = s.worklist[1:]
	s.current = state

	if !state.atBlockStart() {
		stop, err := state.step()
		if err != nil {
			return true, err
		} else if stop {
			s.logger.Debug("slice path terminated",
				log.String("block", state.block.Name),
				log.String("live", state.liveString()))
			return true, nil
		}
		s.worklist = append(s.worklist, state)
		return true, nil
	}

	// Top of block: fan out to unvisited predecessors.
	s.logger.Debug("reached top of block", log.String("block", state.block.Name))
	preds := s.host.Predecessors(state.block)
	if len(preds) == 0 {
		s.logger.Debug("dead end: block has no predecessors", log.String("block", state.block.Name))
		return true, nil
	}
	for _, pred := range preds {
		if _, ok := s.visited[pred]; ok {
			continue
		}
		s.visited[pred] = struct{}{}
		s.worklist = append(s.worklist, state.createNew(pred, state.block.Addr))
	}
	return true, nil
}

// Live returns the live map of the current slice path.
func (s *Slicer) Live() *immutable.SortedMap {
	if s.current == nil {
		return nil
	}
	return s.current.live
}

// JumpTableFormat returns the symbolic expression that, given an index,
// yields an indirect-branch destination.
func (s *Slicer) JumpTableFormat() Expr {
	if s.current == nil {
		return nil
	}
	return s.current.jumpTableFormat
}

// JumpTableIndex returns the expression of the jump table index.
func (s *Slicer) JumpTableIndex() Expr {
	if s.current == nil {
		return nil
	}
	return s.current.jumpTableIndex
}

// JumpTableIndexToUse returns the index expression to use when rewriting
// the indirect transfer as a switch.
func (s *Slicer) JumpTableIndexToUse() Expr {
	if s.current == nil {
		return nil
	}
	return s.current.jumpTableIndexToUse
}

// JumpTableIndexInterval returns the interval bounding the index value,
// derived from a guarding comparison or bitmask.
func (s *Slicer) JumpTableIndexInterval() StridedInterval {
	if s.current == nil {
		return StridedInterval{}
	}
	return s.current.jumpTableIndexInterval
}

// exprComparer orders expressions structurally. Implements
// immutable.Comparer.
type exprComparer struct{}

// Compare returns -1 if a is less than b, 1 if a is greater than b, and 0
// if a is equal to b. Panic if a or b is not an Expr.
func (c *exprComparer) Compare(a, b interface{}) int {
	return CompareExpr(a.(Expr), b.(Expr))
}
