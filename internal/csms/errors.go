package csms

import "errors"

// Arbitration and routing failures. Every error here is reported to
// the immediate caller only; none of them terminates a session.
var (
	ErrChargerNotFound    = errors.New("target charger not found")
	ErrNoCustomerProfile  = errors.New("no customer profile linked to command issuer")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrInvalidToken       = errors.New("token rejected by introspection")
)

// ConflictError is an arbitration rejection: the command contradicts
// the charger's current activity. It carries the operator-facing
// message verbatim.
type ConflictError struct {
	Serial  string
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
