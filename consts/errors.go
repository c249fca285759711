package consts

import "errors"

var (
	// Discovery and classification errors.
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrDiscoveryNotFound = errors.New("no configuration discovered for domain")
	ErrProtocolUnknown   = errors.New("protocol could not be determined")

	// Connection errors, classified by the session manager.
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrNetworkUnreachable = errors.New("server unreachable")
	ErrConnectTimeout     = errors.New("connection timed out")

	// Token lifecycle errors.
	ErrTokenInvalid          = errors.New("token invalid")
	ErrTokenExpired          = errors.New("token expired")
	ErrAccessTokenStillValid = errors.New("access token still valid")
	ErrSessionExpired        = errors.New("session expired")

	ErrUnsupported = errors.New("operation not supported")
)
