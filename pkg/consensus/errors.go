package consensus

import "fmt"

// AdminError is the rejection of a staking, voting or registry
// operation. The operation had no effect.
type AdminError struct {
	Op     string
	Reason string
}

func (e *AdminError) Error() string {
	return e.Op + ": " + e.Reason
}

func adminErr(op, format string, args ...interface{}) error {
	return &AdminError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
