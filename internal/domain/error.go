package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrConflict           = errors.New("concurrent modification")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrForbidden          = errors.New("forbidden")

	// Subscription / plan errors
	ErrPlanNotFound          = errors.New("plan not found")
	ErrSubscriptionNotUsable = errors.New("subscription is not usable")
	ErrInvalidTransition     = errors.New("invalid subscription status transition")

	// Gateway / notification errors
	ErrVerificationFailed    = errors.New("notification signature verification failed")
	ErrMalformedNotification = errors.New("malformed payment notification")
	ErrNotificationIgnored   = errors.New("notification carries no settled outcome")
	ErrTransientGateway      = errors.New("payment gateway temporarily unavailable")
	ErrGatewayRejected       = errors.New("payment gateway rejected request")
	ErrUnknownOrder          = errors.New("unknown order")
)
