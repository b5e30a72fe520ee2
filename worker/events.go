package worker

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a replica slot.
type State int

const (
	StateStarting State = iota
	StateBooted
	StateRunning
	StateExited
	StateRestarting
	StateAbandoned
	StateStoppedClean
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateBooted:
		return "booted"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateRestarting:
		return "restarting"
	case StateAbandoned:
		return "abandoned"
	case StateStoppedClean:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateStarting; st <= StateStoppedClean; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Terminal reports whether a slot in this state is never restarted automatically.
func (s State) Terminal() bool {
	return s == StateAbandoned || s == StateStoppedClean
}

// Event is a slot state transition.
type Event struct {
	Replica
	Time     time.Time     `json:"time"`
	State    State         `json:"state"`
	PID      int           `json:"pid,omitempty"`
	ExitCode int           `json:"exitCode,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Error    string        `json:"error,omitempty"`
}

const subscriberBuffer = 256

// broadcaster fans events out to subscribers. Slow subscribers miss events rather than block the manager.
type broadcaster struct {
	mut    sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: map[int]chan Event{}}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mut.Lock()
			defer b.mut.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *broadcaster) publish(e Event) {
	b.mut.Lock()
	defer b.mut.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
