package authorization

import (
	"context"
	"errors"
)

// Service gates administrative operations. Actors are "system" or
// "operator:<id>" as forwarded by the upstream gateway.
type Service interface {
	Authorize(ctx context.Context, actor string, accountID string, object string, action string) error
}

var (
	ErrInvalidActor   = errors.New("invalid_actor")
	ErrInvalidAccount = errors.New("invalid_account")
	ErrInvalidObject  = errors.New("invalid_object")
	ErrInvalidAction  = errors.New("invalid_action")
	ErrForbidden      = errors.New("forbidden")
)
