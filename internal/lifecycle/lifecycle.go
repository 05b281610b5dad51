// Package lifecycle is the authoritative definition of valid ride
// statuses and transitions. Everything that mutates a ride's status goes
// through this table; the store's compare-and-set makes each accepted
// transition atomic.
package lifecycle

import (
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrInvalidTransition is returned for any status change not in the
// transition table. The ride record is left unchanged.
var ErrInvalidTransition = errors.New("invalid ride status transition")

// Actor identifies who is driving a transition; cancellation rights
// differ between riders and drivers.
type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
	ActorSystem Actor = "system"
)

// forward is the happy-path edge set: each status maps to the statuses
// reachable from it, cancellation aside.
var forward = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:     {models.StatusAssigned, models.StatusRejected},
	models.StatusAssigned:      {models.StatusDriverEnRoute},
	models.StatusDriverEnRoute: {models.StatusDriverArrived},
	models.StatusDriverArrived: {models.StatusInProgress},
	models.StatusInProgress:    {models.StatusCompleted},
}

// CanTransition reports whether from -> to is a valid edge for the
// given actor. Cancellation is a side branch: riders may cancel any
// ride before it is in progress, drivers may cancel any non-terminal
// ride, the system may cancel wherever a rider may.
func CanTransition(from, to models.RideStatus, actor Actor) bool {
	if Terminal(from) {
		return false
	}
	if to == models.StatusCancelled {
		return cancelAllowed(from, actor)
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

func cancelAllowed(from models.RideStatus, actor Actor) bool {
	switch actor {
	case ActorDriver:
		return !Terminal(from)
	case ActorRider, ActorSystem:
		switch from {
		case models.StatusRequested, models.StatusAssigned, models.StatusDriverEnRoute:
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func Terminal(s models.RideStatus) bool {
	switch s {
	case models.StatusCompleted, models.StatusCancelled, models.StatusRejected:
		return true
	}
	return false
}

// Active reports whether the ride accepts location samples: any status
// between assigned and in_progress inclusive.
func Active(s models.RideStatus) bool {
	switch s {
	case models.StatusAssigned, models.StatusDriverEnRoute, models.StatusDriverArrived, models.StatusInProgress:
		return true
	}
	return false
}
