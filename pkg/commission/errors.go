package commission

import "errors"

var (
	// ErrRelationshipNotFound is returned when no relationship exists for a user
	ErrRelationshipNotFound = errors.New("referral relationship not found")

	// ErrRelationshipExists is returned when the referred user already has a pending or active relationship
	ErrRelationshipExists = errors.New("referred user already has an open referral relationship")

	// ErrSelfReferral is returned when a user tries to refer themselves
	ErrSelfReferral = errors.New("user cannot refer themselves")

	// ErrInvalidAmount is returned for negative payment amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidAction is returned for actions missing required fields
	ErrInvalidAction = errors.New("invalid action")

	// ErrInvalidConfig is returned by Config.Validate
	ErrInvalidConfig = errors.New("invalid commission config")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrWithdrawalConflict is returned when a withdrawal id is reused for a different referrer
	ErrWithdrawalConflict = errors.New("withdrawal id already used by another referrer")

	// ErrEarningsNotFound is returned by storage when a user has no earnings row yet
	ErrEarningsNotFound = errors.New("earnings not found")
)
