package i2pcontrol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable covers connection failures and timeouts alike; callers
	// report both as "not ready".
	ErrUnreachable = errors.New("i2pcontrol unreachable")
	// ErrAuthRejected is returned when the router refuses the password.
	ErrAuthRejected = errors.New("i2pcontrol authentication rejected")
	// ErrAuthExpired is returned when the router no longer accepts the cached
	// token. The client does not re-authenticate on its own; see Invalidate.
	ErrAuthExpired = errors.New("i2pcontrol token expired")
)

// I2PControl error codes (I2PControl API 1).
const (
	codeInvalidPassword = -32001
	codeNoToken         = -32002
	codeTokenUnknown    = -32003
	codeTokenExpired    = -32004
)

// RemoteError is an error-shaped response body returned by the router.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("i2pcontrol error %d: %s", e.Code, e.Message)
}

func isTokenError(code int) bool {
	return code == codeNoToken || code == codeTokenUnknown || code == codeTokenExpired
}
