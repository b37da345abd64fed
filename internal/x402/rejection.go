package x402

import (
	"errors"
	"fmt"
)

// Rejection codes returned by payment verification.
const (
	RejectMalformedPayload   = "malformed_payload"
	RejectWrongNetwork       = "wrong_network"
	RejectRecipientMismatch  = "recipient_mismatch"
	RejectInsufficientAmount = "insufficient_amount"
)

// Rejection is a verification failure. Rejections are client-surfaced and
// never persisted; a fresh challenge is issued instead.
type Rejection struct {
	Code   string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Code
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Reject builds a Rejection with a formatted detail message.
func Reject(code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a Rejection if it carries one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
