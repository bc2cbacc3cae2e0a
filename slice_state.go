package reko

import (
	"bytes"
	"fmt"

	"github.com/benbjohnson/immutable"
	"github.com/retroenv/retrogolib/log"
)

// sliceState is one backward path under exploration. Each predecessor
// fan-out clones the state; paths evolve independently from there.
type sliceState struct {
	slicer *Slicer

	block  *Block
	iInstr int // next instruction to visit; -1 when at the top of the block

	// Expressions whose values contribute to the indirect target, keyed by
	// structural equality.
	live *immutable.SortedMap

	// Address of the block this path descended from, used to decide
	// whether a conditional branch was taken or fell through.
	addrSucc uint64
	haveSucc bool

	ccNext          ConditionCode
	invertCondition bool
	assignLhs       Expr

	jumpTableFormat        Expr
	jumpTableIndex         Expr
	jumpTableIndexToUse    Expr
	jumpTableIndexInterval StridedInterval
}

// newSliceState returns a state positioned at instruction iInstr of block b.
func newSliceState(slicer *Slicer, b *Block, iInstr int) *sliceState {
	return &sliceState{
		slicer: slicer,
		block:  b,
		iInstr: iInstr,
		live:   immutable.NewSortedMap(&exprComparer{}),
	}
}

// createNew returns a copy of the state positioned after the last
// instruction of block b, recording the address of the block the path
// descended from. The live map is persistent and shared structurally.
func (st *sliceState) createNew(b *Block, addrSucc uint64) *sliceState {
	other := *st
	other.block = b
	other.iInstr = len(st.slicer.host.Instructions(b)) - 1
	other.addrSucc = addrSucc
	other.haveSucc = true
	return &other
}

// atBlockStart returns true once every instruction of the block has been
// visited.
func (st *sliceState) atBlockStart() bool {
	return st.iInstr < 0
}

// step visits the instruction under the cursor and moves the cursor
// backward. It returns true when the path is terminal: a bounding
// comparison or mask was found, or nothing remained live.
func (st *sliceState) step() (bool, error) {
	instr := st.slicer.host.Instructions(st.block)[st.iInstr]
	st.slicer.logger.Debug("slicer step",
		log.String("block", st.block.Name),
		log.Int("instr", st.iInstr),
		log.String("stmt", instr.String()),
		log.String("live", st.liveString()))

	stop, err := st.visitStmt(instr)
	st.iInstr--
	if err != nil {
		return false, err
	}
	if st.live.Len() == 0 {
		st.slicer.logger.Debug("nothing live remains", log.String("block", st.block.Name))
		return true, nil
	}
	return stop, nil
}

// visitStmt dispatches one RTL instruction to its transfer function.
func (st *sliceState) visitStmt(instr Stmt) (bool, error) {
	switch instr := instr.(type) {
	case *AssignStmt:
		return st.visitAssign(instr)
	case *BranchStmt:
		return st.visitBranch(instr)
	case *GotoStmt:
		return st.visitGoto(instr)
	case *CallStmt, *SideEffectStmt:
		// Calls are opaque; callee-saves are assumed.
		return false, nil
	default:
		return false, fmt.Errorf("%s: %w", instr, ErrUnsupportedStmt)
	}
}

// visitAssign kills the identifiers aliasing the destination, traces the
// source in their place and substitutes the source into the jump table
// format.
func (st *sliceState) visitAssign(instr *AssignStmt) (bool, error) {
	dst, ok := instr.Dst.(*IdentExpr)
	if !ok {
		return false, nil // memory write
	}

	// Collect live identifiers aliasing the destination register.
	var dead []Expr
	var deadCtx []SlicerContext
	for itr := st.live.Iterator(); !itr.Done(); {
		k, v := itr.Next()
		if id, ok := k.(*IdentExpr); ok && id.Storage.Domain == dst.Storage.Domain {
			dead = append(dead, id)
			deadCtx = append(deadCtx, v.(SlicerContext))
		}
	}
	if len(dead) == 0 {
		return false, nil
	}
	for _, k := range dead {
		st.live = st.live.Delete(k)
	}
	st.assignLhs = dead[0]
	defer func() { st.assignLhs = nil }()

	res, err := st.visitExpr(instr.Src, deadCtx[0])
	if err != nil {
		return false, err
	} else if res.stop {
		return true, nil
	}

	if st.jumpTableFormat != nil {
		st.jumpTableFormat = Replace(st.jumpTableFormat, st.assignLhs, res.src)
	}
	return false, nil
}

// visitBranch records whether the path being reconstructed took the branch
// or fell through, then traces the condition.
func (st *sliceState) visitBranch(instr *BranchStmt) (bool, error) {
	target, ok := instr.Target.(*AddressExpr)
	if !ok {
		return false, fmt.Errorf("branch target %s: %w", instr.Target, ErrMalformedOperand)
	}

	// The invert flag must be known before the condition is traced: a
	// bounding comparison inside the condition reads it.
	if st.haveSucc && st.addrSucc != target.Value {
		st.invertCondition = true
	}

	res, err := st.visitExpr(instr.Cond, SlicerContext{Type: ContextCondition})
	if err != nil {
		return false, err
	}
	return res.stop, nil
}

// visitGoto traces a computed jump target.
func (st *sliceState) visitGoto(instr *GotoStmt) (bool, error) {
	res, err := st.visitExpr(instr.Target, SlicerContext{Type: ContextCondition, Range: RangeOf(instr.Target)})
	if err != nil {
		return false, err
	}
	if st.jumpTableFormat == nil {
		st.jumpTableFormat = res.src
	}
	return res.stop, nil
}

// exprResult carries the outcome of visiting one expression.
type exprResult struct {
	src  Expr // reconstructed source expression
	stop bool // a bounding comparison or mask was found
}

// visitExpr dispatches one expression to its transfer function. The
// context describes which bits of the expression the caller reads and why.
func (st *sliceState) visitExpr(expr Expr, ctx SlicerContext) (exprResult, error) {
	switch expr := expr.(type) {
	case *IdentExpr:
		st.addLive(expr, ctx)
		return exprResult{src: expr}, nil

	case *ConstantExpr, *AddressExpr, *ApplExpr:
		return exprResult{src: expr}, nil

	case *MemExpr:
		ea, err := st.visitExpr(expr.EA, SlicerContext{Type: ctx.Type, Range: RangeOf(expr.EA)})
		if err != nil {
			return exprResult{}, err
		}
		st.addLive(expr, ctx)
		return exprResult{src: expr, stop: ea.stop}, nil

	case *SegMemExpr:
		ea, err := st.visitExpr(expr.EA, SlicerContext{Type: ctx.Type, Range: RangeOf(expr.EA)})
		if err != nil {
			return exprResult{}, err
		}
		return exprResult{src: expr, stop: ea.stop}, nil

	case *CastExpr:
		r := BitRange{Start: 0, End: ExprWidth(expr.Src)}
		if expr.Width < r.End {
			r.End = expr.Width
		}
		src, err := st.visitExpr(expr.Src, SlicerContext{Type: ctx.Type, Range: r})
		if err != nil {
			return exprResult{}, err
		}
		return exprResult{src: NewCastExpr(src.src, expr.Width, expr.Signed), stop: src.stop}, nil

	case *SliceExpr:
		r := BitRange{Start: expr.Offset, End: expr.Offset + expr.Width}
		src, err := st.visitExpr(expr.Expr, SlicerContext{Type: ctx.Type, Range: r})
		if err != nil {
			return exprResult{}, err
		}
		return exprResult{src: NewSliceExpr(src.src, expr.Offset, expr.Width), stop: src.stop}, nil

	case *SeqExpr:
		head, err := st.visitExpr(expr.Head, SlicerContext{Type: ctx.Type, Range: RangeOf(expr.Head)})
		if err != nil {
			return exprResult{}, err
		}
		tail, err := st.visitExpr(expr.Tail, SlicerContext{Type: ctx.Type, Range: RangeOf(expr.Tail)})
		if err != nil {
			return exprResult{}, err
		}
		return exprResult{src: NewSeqExpr(head.src, tail.src), stop: head.stop || tail.stop}, nil

	case *DepositBitsExpr:
		host, err := st.visitExpr(expr.Host, ctx)
		if err != nil {
			return exprResult{}, err
		}
		iw := ExprWidth(expr.Inserted)
		ins, err := st.visitExpr(expr.Inserted, SlicerContext{
			Type:  ctx.Type,
			Range: BitRange{Start: expr.Pos, End: expr.Pos + iw},
		})
		if err != nil {
			return exprResult{}, err
		}
		stop := host.stop || ins.stop
		// When the caller reads the range of the inserted value, [0, width
		// of inserted), the result is the inserted value alone. The deposit
		// position is not taken into account.
		if (BitRange{Start: 0, End: iw}) == ctx.Range {
			return exprResult{src: ins.src, stop: stop}, nil
		}
		return exprResult{src: NewDepositBitsExpr(host.src, ins.src, expr.Pos), stop: stop}, nil

	case *CondOfExpr:
		src, err := st.visitExpr(expr.Expr, SlicerContext{Type: ContextCondition, Range: RangeOf(expr.Expr)})
		if err != nil {
			return exprResult{}, err
		}
		if !src.stop {
			st.jumpTableIndex = expr.Expr
			st.jumpTableIndexToUse = expr.Expr
		}
		return exprResult{src: expr, stop: src.stop}, nil

	case *TestCondExpr:
		// Record the code before recursing: a bounding subtraction inside
		// the flag expression constructs its interval from it.
		st.ccNext = expr.CC
		src, err := st.visitExpr(expr.Expr, ctx)
		if err != nil {
			return exprResult{}, err
		}
		if !src.stop {
			st.jumpTableIndex = expr.Expr
		}
		return exprResult{src: expr, stop: src.stop}, nil

	case *UnaryExpr:
		src, err := st.visitExpr(expr.Expr, ctx)
		if err != nil {
			return exprResult{}, err
		}
		return exprResult{src: NewUnaryExpr(expr.Op, src.src), stop: src.stop}, nil

	case *BinaryExpr:
		return st.visitBinary(expr, ctx)

	default:
		return exprResult{}, fmt.Errorf("%s: %w", expr, ErrUnsupportedExpr)
	}
}

// visitBinary handles the decisive cases: the register-zeroing idiom, the
// bounding comparison and the bounding mask.
func (st *sliceState) visitBinary(expr *BinaryExpr, ctx SlicerContext) (exprResult, error) {
	// XOR r,r / SUB r,r of a high-byte register zeroes the upper half of
	// the killed register: only the low byte stays live.
	if (expr.Op == XOR || expr.Op == SUB) && CompareExpr(expr.LHS, expr.RHS) == 0 {
		if lhs, ok := st.assignLhs.(*IdentExpr); ok {
			if op, ok := expr.LHS.(*IdentExpr); ok &&
				op.Storage.Domain == lhs.Storage.Domain && op.Storage.Offset == Width8 {
				st.slicer.logger.Debug("high-byte clear",
					log.String("op", op.Name),
					log.String("killed", lhs.Name))
				st.addLive(lhs, SlicerContext{Type: ContextJumptable, Range: BitRange{Start: 0, End: Width8}})
				src := NewCastExpr(NewCastExpr(lhs, Width8, false), lhs.Storage.Size, false)
				return exprResult{src: src}, nil
			}
		}
	}

	if rhs, ok := expr.RHS.(*ConstantExpr); ok && expr.Op == SUB && ctx.Type == ContextCondition {
		lhs, err := st.visitExpr(expr.LHS, ctx)
		if err != nil {
			return exprResult{}, err
		}
		if found, stop, err := st.recordComparison(expr, rhs); err != nil {
			return exprResult{}, err
		} else if found {
			return exprResult{src: expr, stop: stop}, nil
		}
		return exprResult{src: NewBinaryExpr(SUB, lhs.src, rhs), stop: lhs.stop}, nil
	}

	if rhs, ok := expr.RHS.(*ConstantExpr); ok && expr.Op == AND {
		st.jumpTableIndex = expr.LHS
		st.jumpTableIndexToUse = expr.LHS
		st.jumpTableIndexInterval = IntervalFromMask(rhs.Value)
		st.slicer.logger.Info("bounding mask found",
			log.String("index", expr.LHS.String()),
			log.String("interval", st.jumpTableIndexInterval.String()))
		return exprResult{src: expr, stop: true}, nil
	}

	lhs, err := st.visitExpr(expr.LHS, ctx)
	if err != nil {
		return exprResult{}, err
	}
	rhs, err := st.visitExpr(expr.RHS, ctx)
	if err != nil {
		return exprResult{}, err
	}
	return exprResult{
		src:  NewBinaryExpr(expr.Op, lhs.src, rhs.src),
		stop: lhs.stop || rhs.stop,
	}, nil
}

// recordComparison decides whether sub is the comparison guarding the jump
// table index and, if so, derives the index interval from the pending
// condition code.
func (st *sliceState) recordComparison(sub *BinaryExpr, rhs *ConstantExpr) (found, stop bool, err error) {
	left, ok := sub.LHS.(*IdentExpr)
	if !ok {
		return false, false, nil
	}

	for itr := st.live.Iterator(); !itr.Done(); {
		k, _ := itr.Next()
		id, ok := k.(*IdentExpr)
		if !ok || id.Storage.Domain != left.Storage.Domain {
			continue
		}
		sameIndex := st.assignLhs != nil && CompareExpr(st.assignLhs, st.jumpTableIndex) == 0
		if !sameIndex && CompareExpr(id, sub.LHS) != 0 {
			continue
		}

		interval, err := st.comparisonInterval(rhs)
		if err != nil {
			return false, false, err
		}
		st.jumpTableIndex = sub.LHS
		st.jumpTableIndexToUse = sub.LHS
		st.jumpTableIndexInterval = interval
		st.slicer.logger.Info("bounding comparison found",
			log.String("index", sub.LHS.String()),
			log.String("interval", interval.String()))
		return true, true, nil
	}
	return false, false, nil
}

// comparisonInterval builds the index interval for a comparison against
// rhs under the pending condition code and invert flag.
func (st *sliceState) comparisonInterval(rhs *ConstantExpr) (StridedInterval, error) {
	cc := st.ccNext
	if st.invertCondition {
		cc = cc.Invert()
	}
	switch cc {
	case CondULE:
		return IntervalFromULE(rhs.Signed()), nil
	case CondUGE:
		return IntervalFromUGE(rhs.Signed()), nil
	default:
		return StridedInterval{}, fmt.Errorf("condition code %s: %w", cc, ErrUnsupportedConditionCode)
	}
}

// addLive merges an expression into the live map, keeping the wider bit
// range when the expression is already present.
func (st *sliceState) addLive(expr Expr, ctx SlicerContext) {
	if v, ok := st.live.Get(expr); ok {
		if old := v.(SlicerContext); old.Range.Compare(ctx.Range) >= 0 {
			return
		}
	}
	st.live = st.live.Set(expr, ctx)
}

// liveString renders the live map for trace output.
func (st *sliceState) liveString() string {
	var buf bytes.Buffer
	for itr := st.live.Iterator(); !itr.Done(); {
		k, v := itr.Next()
		if buf.Len() > 0 {
			buf.WriteRune(' ')
		}
		fmt.Fprintf(&buf, "%s:%s", k.(Expr), v.(SlicerContext))
	}
	return buf.String()
}
