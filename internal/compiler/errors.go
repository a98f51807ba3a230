package compiler

import (
	"fmt"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError is a structural problem in a process definition, anchored
// to the CUE source that caused it. Field names the offending key.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	msg := e.Field + ": " + e.Message
	if !e.Pos.IsValid() {
		return msg
	}
	return fmt.Sprintf("%s (%s)", msg, e.Pos)
}

// formatCUEError turns the first positioned CUE diagnostic into a
// *CompileError. Errors without a usable position pass through.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	for _, diag := range cueerrors.Errors(err) {
		pos := cueerrors.Positions(diag)
		if len(pos) == 0 {
			continue
		}
		return &CompileError{Field: "cue", Message: diag.Error(), Pos: pos[0]}
	}
	return err
}
