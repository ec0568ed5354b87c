package connectors

import (
	"errors"
	"fmt"
)

// venueErrorCodes maps the venue's business error codes to readable labels.
var venueErrorCodes = map[int]string{
	1001: "INVALID_ARGUMENT",
	1002: "UNKNOWN_SYMBOL",
	1003: "DUPLICATE_CLIENT_ORDER_ID",
	1004: "INSUFFICIENT_BALANCE",
	1005: "MARKET_CLOSED",
	1006: "RISK_LIMIT_EXCEEDED",
	1007: "REDUCE_ONLY_REJECTED",
	2001: "RATE_LIMITED",
	2002: "MAINTENANCE_MODE",
	2003: "MATCHING_ENGINE_BUSY",
}

// VenueErrorMsg returns a readable label for a venue error code.
func VenueErrorMsg(code int) string {
	if msg, ok := venueErrorCodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("UNKNOWN_VENUE_ERROR_%d", code)
}

// classifyVenueCode decides whether a venue business error is worth a
// failover. Rate limits and maintenance are transient; everything else is
// permanent for this order.
func classifyVenueCode(code int) error {
	switch code {
	case 2001, 2002, 2003:
		return ErrBrokerTransient
	default:
		return ErrBrokerPermanent
	}
}

// IsTransient reports whether err should be retried on another venue.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBrokerTransient)
}
