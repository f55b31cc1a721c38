package escalation

import "errors"

var (
	// ErrUnknownTeam means the recipient address has no team policy.
	ErrUnknownTeam = errors.New("unknown team")
	// ErrDuplicatePage is returned by create-if-absent when the id exists.
	// Callers treat it as success: the same alert was delivered twice.
	ErrDuplicatePage = errors.New("duplicate page")
	// ErrPageNotFound means the page was never created or has expired.
	ErrPageNotFound = errors.New("page not found")
	// ErrNoEscalationPolicy means the team has no tiers.
	ErrNoEscalationPolicy = errors.New("no escalation policy")
)
