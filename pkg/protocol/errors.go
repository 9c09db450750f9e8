package protocol

// ErrorCode is the closed set of gateway error codes. Anything a handler
// returns is mapped onto one of these before it reaches the wire.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrUnavailable    ErrorCode = "UNAVAILABLE"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrInternal       ErrorCode = "INTERNAL"
)

// Valid reports whether c is a member of the closed enum.
func (c ErrorCode) Valid() bool {
	switch c {
	case ErrInvalidRequest, ErrUnauthorized, ErrNotFound, ErrConflict,
		ErrUnavailable, ErrTimeout, ErrInternal:
		return true
	}
	return false
}

// RPCError carries an ErrorCode through handler call chains so the router can
// shape the final frame without string-matching error text.
type RPCError struct {
	Code    ErrorCode
	Message string
}

func (e *RPCError) Error() string { return string(e.Code) + ": " + e.Message }

// NewRPCError builds an RPCError. Invalid codes collapse to INTERNAL.
func NewRPCError(code ErrorCode, message string) *RPCError {
	if !code.Valid() {
		code = ErrInternal
	}
	return &RPCError{Code: code, Message: message}
}
