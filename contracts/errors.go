package contracts

import "errors"

var (
	// ErrMissingChannelID is returned when a route has no channel id
	ErrMissingChannelID = errors.New("contracts: channel id is required")
)
