// Package loopback is an in-memory radio driver. Radios attached to the same Air can discover and connect to each other.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/and161185/airchainpay/internal/radio"
)

var (
	ErrNotAdvertising = errors.New("loopback: device not advertising")
	ErrInjected       = errors.New("loopback: injected fault")
	ErrClosed         = errors.New("loopback: link closed")
)

// Air is the shared medium.
type Air struct {
	mu     sync.Mutex
	radios map[string]*Radio
}

// NewAir returns an empty medium.
func NewAir() *Air {
	return &Air{radios: make(map[string]*Radio)}
}

// NewRadio attaches a powered-on radio with the given device id.
func (a *Air) NewRadio(id string) *Radio {
	r := &Radio{
		air:        a,
		id:         id,
		state:      radio.StatePoweredOn,
		capability: radio.CapabilitySupported,
		grant:      true,
		rssi:       -50,
		inbound:    make(chan *central, 8),
	}
	a.mu.Lock()
	a.radios[id] = r
	a.mu.Unlock()
	return r
}

func (a *Air) snapshot() []*Radio {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Radio, 0, len(a.radios))
	for _, r := range a.radios {
		out = append(out, r)
	}
	return out
}

func (a *Air) lookup(id string) (*Radio, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.radios[id]
	return r, ok
}

// Radio implements radio.Driver.
type Radio struct {
	air *Air
	id  string

	mu            sync.Mutex
	state         radio.PowerState
	capability    radio.Capability
	grant         bool
	permRequests  int
	rssi          int
	name          string
	mfr           []byte
	advertising   bool
	serviceUUID   string
	scan          func(radio.Advertisement)
	failWrites    int
	failAdvertise int
	failDiscovery bool
	blockConnect  bool
	writes        int

	inbound chan *central
}

var _ radio.Driver = (*Radio)(nil)

// ID returns the device id.
func (r *Radio) ID() string { return r.id }

// SetState changes the reported power state.
func (r *Radio) SetState(s radio.PowerState, grantOnRequest bool) {
	r.mu.Lock()
	r.state, r.grant = s, grantOnRequest
	r.mu.Unlock()
}

// SetCapability changes the reported advertising capability.
func (r *Radio) SetCapability(c radio.Capability) {
	r.mu.Lock()
	r.capability = c
	r.mu.Unlock()
}

// SetRSSI sets the signal strength other radios see.
func (r *Radio) SetRSSI(v int) {
	r.mu.Lock()
	r.rssi = v
	r.mu.Unlock()
}

// FailWrites makes the next n writes from this radio fail. n < 0 fails every write.
func (r *Radio) FailWrites(n int) {
	r.mu.Lock()
	r.failWrites = n
	r.mu.Unlock()
}

// FailAdvertise makes the next n advertising starts fail.
func (r *Radio) FailAdvertise(n int) {
	r.mu.Lock()
	r.failAdvertise = n
	r.mu.Unlock()
}

// FailDiscovery makes service discovery against this radio fail.
func (r *Radio) FailDiscovery(v bool) {
	r.mu.Lock()
	r.failDiscovery = v
	r.mu.Unlock()
}

// BlockConnect makes connections to this radio hang until the caller's context ends.
func (r *Radio) BlockConnect(v bool) {
	r.mu.Lock()
	r.blockConnect = v
	r.mu.Unlock()
}

// WriteAttempts returns how many writes this radio has attempted.
func (r *Radio) WriteAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

// PermissionRequests returns how many times permissions were requested.
func (r *Radio) PermissionRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permRequests
}

func (r *Radio) State(context.Context) (radio.PowerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

func (r *Radio) RequestPermissions(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permRequests++
	if r.grant && r.state == radio.StateUnauthorized {
		r.state = radio.StatePoweredOn
	}
	return r.grant, nil
}

func (r *Radio) advertisement() (radio.Advertisement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.advertising {
		return radio.Advertisement{}, false
	}
	return radio.Advertisement{
		DeviceID:         r.id,
		Name:             r.name,
		RSSI:             r.rssi,
		ManufacturerData: append([]byte(nil), r.mfr...),
	}, true
}

// StartScan reports current advertisers asynchronously and keeps reporting new ones.
func (r *Radio) StartScan(_ context.Context, found func(radio.Advertisement)) error {
	r.mu.Lock()
	r.scan = found
	r.mu.Unlock()

	var ads []radio.Advertisement
	for _, other := range r.air.snapshot() {
		if other == r {
			continue
		}
		if ad, ok := other.advertisement(); ok {
			ads = append(ads, ad)
		}
	}
	go func() {
		for _, ad := range ads {
			found(ad)
		}
	}()
	return nil
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	r.scan = nil
	r.mu.Unlock()
	return nil
}

func (r *Radio) AdvertisingCapability() radio.Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capability
}

func (r *Radio) SetDeviceName(name string) error {
	r.mu.Lock()
	r.name = name
	r.mu.Unlock()
	return nil
}

func (r *Radio) SetManufacturerData(data []byte) error {
	r.mu.Lock()
	r.mfr = append([]byte(nil), data...)
	r.mu.Unlock()
	return nil
}

func (r *Radio) StartAdvertising(_ context.Context, serviceUUID string) error {
	r.mu.Lock()
	if r.failAdvertise > 0 {
		r.failAdvertise--
		r.mu.Unlock()
		return ErrInjected
	}
	r.advertising = true
	r.serviceUUID = serviceUUID
	r.mu.Unlock()

	ad, _ := r.advertisement()
	for _, other := range r.air.snapshot() {
		if other == r {
			continue
		}
		other.mu.Lock()
		fn := other.scan
		other.mu.Unlock()
		if fn != nil {
			go fn(ad)
		}
	}
	return nil
}

func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	r.advertising = false
	r.mu.Unlock()
	return nil
}

// Connect dials an advertising radio on the same Air.
func (r *Radio) Connect(ctx context.Context, deviceID string) (radio.Peripheral, error) {
	target, ok := r.air.lookup(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAdvertising, deviceID)
	}
	target.mu.Lock()
	adv, block := target.advertising, target.blockConnect
	target.mu.Unlock()
	if !adv {
		return nil, fmt.Errorf("%w: %s", ErrNotAdvertising, deviceID)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	l := newLink()
	mine := &endpoint{link: l, owner: r, recv: l.toA, send: l.toB}
	theirs := &endpoint{link: l, owner: target, recv: l.toB, send: l.toA}

	select {
	case target.inbound <- &central{id: r.id, ep: theirs}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &peripheral{id: deviceID, target: target, ep: mine}, nil
}

// Accept returns the next central that connected to this radio.
func (r *Radio) Accept(ctx context.Context) (radio.Central, error) {
	select {
	case c := <-r.inbound:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type link struct {
	toA, toB chan []byte
	done     chan struct{}
	once     sync.Once
}

func newLink() *link {
	return &link{toA: make(chan []byte, 256), toB: make(chan []byte, 256), done: make(chan struct{})}
}

func (l *link) close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

type endpoint struct {
	link  *link
	owner *Radio
	recv  chan []byte
	send  chan []byte
}

var _ radio.Channel = (*endpoint)(nil)

func (e *endpoint) Write(ctx context.Context, frame []byte) error {
	e.owner.mu.Lock()
	e.owner.writes++
	fail := e.owner.failWrites != 0
	if e.owner.failWrites > 0 {
		e.owner.failWrites--
	}
	e.owner.mu.Unlock()
	if fail {
		return ErrInjected
	}

	select {
	case <-e.link.done:
		return ErrClosed
	default:
	}
	select {
	case e.send <- append([]byte(nil), frame...):
		return nil
	case <-e.link.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Receive() <-chan []byte { return e.recv }
func (e *endpoint) Done() <-chan struct{}  { return e.link.done }

type peripheral struct {
	id     string
	target *Radio
	ep     *endpoint
}

func (p *peripheral) ID() string { return p.id }

func (p *peripheral) DiscoverServices(context.Context) error {
	p.target.mu.Lock()
	defer p.target.mu.Unlock()
	if p.target.failDiscovery {
		return ErrInjected
	}
	return nil
}

func (p *peripheral) Characteristic(service, _ string) (radio.Channel, error) {
	p.target.mu.Lock()
	defer p.target.mu.Unlock()
	if p.target.serviceUUID != service {
		return nil, fmt.Errorf("loopback: service %s not found", service)
	}
	return p.ep, nil
}

func (p *peripheral) Disconnect() error { return p.ep.link.close() }

type central struct {
	id string
	ep *endpoint
}

func (c *central) ID() string             { return c.id }
func (c *central) Channel() radio.Channel { return c.ep }
func (c *central) Disconnect() error      { return c.ep.link.close() }
