package services

import "errors"

// ErrNotFound signals that a local entity does not exist (or does not belong
// to the requesting user).
var ErrNotFound = errors.New("not found")
