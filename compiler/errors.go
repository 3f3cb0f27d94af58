package compiler

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// fatalError aborts the compilation of one function. Generators panic with
// it and Compile turns it back into an error at the function boundary.
type fatalError struct {
	kind error
	msg  string
}

func (e *fatalError) Error() string { return e.msg }

func (e *fatalError) Unwrap() error { return e.kind }

// unsupported reports an operation or type the generator has no lowering for.
func unsupported(format string, args ...any) {
	panic(&fatalError{kind: errdefs.ErrNotImplemented, msg: fmt.Sprintf(format, args...)})
}

// malformed reports a structural defect in the input IR.
func malformed(format string, args ...any) {
	panic(&fatalError{kind: errdefs.ErrFailedPrecondition, msg: fmt.Sprintf(format, args...)})
}

// recoverFatal stores a fatalError raised below it in *errp. Other panics
// are re-raised.
func recoverFatal(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	fe, ok := r.(*fatalError)
	if !ok {
		panic(r)
	}
	*errp = fe
}
