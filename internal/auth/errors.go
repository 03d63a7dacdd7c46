package auth

import "errors"

var (
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrMalformedClaim     = errors.New("auth: malformed claim")
)
