package core

import (
	"errors"
	"fmt"
)

// RejectReason classifies a synchronous precondition rejection.
type RejectReason string

const (
	RejectUnresolvable RejectReason = "unresolvable"
	RejectBusy         RejectReason = "busy"
	RejectState        RejectReason = "state"
	RejectGuestTools   RejectReason = "guest_tools"
	RejectQuota        RejectReason = "quota"
	RejectInvalid      RejectReason = "invalid"
)

// Rejection is a user-visible precondition failure. It carries a
// resource-named message and implies no side effects were made.
type Rejection struct {
	Reason  RejectReason
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

// Reject builds a Rejection with a formatted message.
func Reject(reason RejectReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
