package radio

import (
	"sync"
	"time"

	"github.com/and161185/airchainpay/internal/model"
)

// EventKind identifies a lifecycle event.
type EventKind int

const (
	DeviceDiscovered EventKind = iota + 1
	Connected
	Disconnected
	ScanStarted
	ScanStopped
	AdvertisingStarted
	AdvertisingStopped
)

func (k EventKind) String() string {
	switch k {
	case DeviceDiscovered:
		return "device_discovered"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case ScanStarted:
		return "scan_started"
	case ScanStopped:
		return "scan_stopped"
	case AdvertisingStarted:
		return "advertising_started"
	case AdvertisingStopped:
		return "advertising_stopped"
	default:
		return "unknown"
	}
}

// Event is published on the manager's bus.
type Event struct {
	Kind     EventKind
	DeviceID string
	Device   *model.Device
	At       time.Time
}

// Subscription receives events until Unsubscribe is called.
type Subscription struct {
	C     <-chan Event
	c     chan Event
	kinds map[EventKind]bool
	bus   *Bus
	once  sync.Once
}

// Unsubscribe detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.c)
	})
}

// Bus fans events out to subscribers. Slow subscribers lose events rather than block the radio.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers for kinds (all kinds when none are given).
func (b *Bus) Subscribe(buffer int, kinds ...EventKind) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	c := make(chan Event, buffer)
	s := &Subscription{C: c, c: c, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers ev to matching subscribers without blocking. It returns the number of drops.
func (b *Bus) Publish(ev Event) int {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	dropped := 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}
		select {
		case s.c <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
