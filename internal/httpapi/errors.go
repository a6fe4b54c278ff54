package httpapi

import "errors"

var (
	errInvalidToken = errors.New("httpapi: invalid or expired token")
	errMissingToken = errors.New("httpapi: missing bearer token")
)
