package order

import "papertrader/internal/domain"

// transitions is the full order lifecycle graph. Terminal states have no
// outgoing edges; partially_filled may loop on itself for successive fills.
var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.StatusPending:         {domain.StatusOpen, domain.StatusRejected, domain.StatusCanceled},
	domain.StatusOpen:            {domain.StatusPartiallyFilled, domain.StatusFilled, domain.StatusCanceled},
	domain.StatusPartiallyFilled: {domain.StatusPartiallyFilled, domain.StatusFilled, domain.StatusCanceled},
	domain.StatusFilled:          nil,
	domain.StatusCanceled:        nil,
	domain.StatusRejected:        nil,
}

// CanTransition reports whether the lifecycle graph contains the edge
// current -> target.
func CanTransition(current, target domain.OrderStatus) bool {
	for _, next := range transitions[current] {
		if next == target {
			return true
		}
	}
	return false
}
