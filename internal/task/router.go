package task

import (
	"fmt"
	"sort"
	"time"
)

// Priority bounds. Higher priorities are served first within a queue.
const (
	MinPriority = 1
	MaxPriority = 10
)

// QueuePrefix is prepended to the task type to form its queue name.
const QueuePrefix = "generation."

// TypeProfile holds the per-type policy: routing, retries, worker count and
// reconciliation timing.
type TypeProfile struct {
	// BaselinePriority is used when the caller does not request one
	BaselinePriority int

	// MaxRetries is the default retry budget for new tasks
	MaxRetries int

	// Workers is the number of executor goroutines pulling this type's queue
	Workers int

	// PollInterval is the delay between status polls of a pending job
	PollInterval time.Duration

	// MaxWait is the wait budget measured from started_at
	MaxWait time.Duration

	// Backoff controls the delay before a failed attempt is resubmitted
	Backoff Backoff
}

// Profiles maps each routable task type to its profile.
type Profiles map[Type]TypeProfile

// DefaultProfiles returns the built-in profiles. Short audio jobs get the
// highest baseline and long video jobs the lowest.
func DefaultProfiles() Profiles {
	return Profiles{
		TypeAudio: {
			BaselinePriority: 7,
			MaxRetries:       3,
			Workers:          2,
			PollInterval:     3 * time.Second,
			MaxWait:          5 * time.Minute,
			Backoff:          Backoff{Base: 2 * time.Second, Max: time.Minute},
		},
		TypeImage: {
			BaselinePriority: 6,
			MaxRetries:       3,
			Workers:          4,
			PollInterval:     5 * time.Second,
			MaxWait:          10 * time.Minute,
			Backoff:          Backoff{Base: 2 * time.Second, Max: time.Minute},
		},
		TypeScene: {
			BaselinePriority: 5,
			MaxRetries:       2,
			Workers:          2,
			PollInterval:     15 * time.Second,
			MaxWait:          30 * time.Minute,
			Backoff:          Backoff{Base: 5 * time.Second, Max: 2 * time.Minute},
		},
		TypeVideo: {
			BaselinePriority: 4,
			MaxRetries:       2,
			Workers:          2,
			PollInterval:     20 * time.Second,
			MaxWait:          45 * time.Minute,
			Backoff:          Backoff{Base: 10 * time.Second, Max: 5 * time.Minute},
		},
	}
}

// Route is the result of routing a task.
type Route struct {
	Queue    string
	Priority int
}

// QueueRouter assigns tasks to their type's queue and computes the effective
// priority. It is built once at startup from an explicit profile map.
type QueueRouter struct {
	profiles Profiles
}

// NewQueueRouter validates profiles and builds a router.
func NewQueueRouter(profiles Profiles) (*QueueRouter, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: no task type profiles configured", ErrUnknownTaskType)
	}

	copied := make(Profiles, len(profiles))
	for typ, p := range profiles {
		if !typ.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, typ)
		}
		if p.MaxRetries < 0 {
			return nil, fmt.Errorf("profile %s: max retries must not be negative", typ)
		}
		if p.Workers <= 0 {
			p.Workers = 1
		}
		if p.PollInterval <= 0 {
			return nil, fmt.Errorf("profile %s: poll interval must be positive", typ)
		}
		if p.MaxWait <= 0 {
			return nil, fmt.Errorf("profile %s: max wait must be positive", typ)
		}
		p.BaselinePriority = ClampPriority(p.BaselinePriority)
		copied[typ] = p
	}

	return &QueueRouter{profiles: copied}, nil
}

// Route maps a task type and optional requested priority to a queue and an
// effective priority. Out-of-range requests are clamped, never rejected.
func (r *QueueRouter) Route(typ Type, requested *int) (Route, error) {
	p, ok := r.profiles[typ]
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, typ)
	}

	priority := p.BaselinePriority
	if requested != nil {
		priority = ClampPriority(*requested)
	}

	return Route{Queue: QueueName(typ), Priority: priority}, nil
}

// Profile returns the profile of typ.
func (r *QueueRouter) Profile(typ Type) (TypeProfile, bool) {
	p, ok := r.profiles[typ]
	return p, ok
}

// Types returns the routable task types in a stable order.
func (r *QueueRouter) Types() []Type {
	types := make([]Type, 0, len(r.profiles))
	for typ := range r.profiles {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// QueueName returns the queue of a task type.
func QueueName(typ Type) string {
	return QueuePrefix + string(typ)
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
