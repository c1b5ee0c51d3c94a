// Package coreerr holds the error kinds shared across the peer manager's
// components (route, foreign, rpctransport, peermanager) so callers can
// type-switch or errors.Is against one vocabulary instead of each
// package's private sentinel.
package coreerr

import (
	"errors"
	"fmt"
)

// ErrUnknown is returned when a weak back-reference fails to upgrade
// because the component it pointed at has been torn down, or when a
// channel feeding a long-lived task has closed.
var ErrUnknown = errors.New("unknown: component is gone or channel closed")

// RouteError reports that dst is unreachable given the current routing
// tables. detail names which table/step failed to resolve it.
type RouteError struct {
	Dst    fmt.Stringer
	Detail string
}

func (e *RouteError) Error() string {
	if e.Dst != nil {
		return fmt.Sprintf("route: no path to %s: %s", e.Dst, e.Detail)
	}
	return fmt.Sprintf("route: %s", e.Detail)
}

// NewRouteError builds a RouteError. dst may be nil when no specific
// destination is implicated (e.g. a malformed routing table).
func NewRouteError(dst fmt.Stringer, detail string) *RouteError {
	return &RouteError{Dst: dst, Detail: detail}
}
