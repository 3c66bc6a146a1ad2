// Package quiclink is a radio driver that carries the payment characteristic over QUIC streams.
// It lets two hosts run the payment flow over IP when no radio is at hand.
package quiclink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/radio"
)

const (
	opAdvertise = "adv"
	opConnect   = "connect"

	probeTimeout = 2 * time.Second
)

var ErrUnknownDevice = errors.New("quiclink: device not discovered")

type hello struct {
	Op   string `json:"op"`
	From string `json:"from"`
}

type advert struct {
	DeviceID         string `json:"deviceId"`
	Name             string `json:"name"`
	ManufacturerData []byte `json:"mfr,omitempty"`
	Advertising      bool   `json:"advertising"`
	Service          string `json:"service,omitempty"`
}

// Options configure a Driver.
type Options struct {
	DeviceID     string
	ListenAddr   string   // empty disables the peripheral role
	Peers        []string // addresses polled while scanning
	ScanInterval time.Duration
	Logger       *zap.Logger
}

// Driver implements radio.Driver on top of quic-go.
type Driver struct {
	opts      Options
	log       *zap.Logger
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config
	ln        *quic.Listener

	mu          sync.Mutex
	name        string
	mfr         []byte
	advertising bool
	service     string
	addrs       map[string]string
	stopScan    context.CancelFunc

	inbound chan radio.Central
	closed  chan struct{}
	once    sync.Once
}

var _ radio.Driver = (*Driver)(nil)

// New creates a driver and, when ListenAddr is set, starts accepting peers.
func New(opts Options) (*Driver, error) {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	serverTLS, clientTLS, err := tlsConfigs()
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	d := &Driver{
		opts:      opts,
		log:       log,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf: &quic.Config{
			MaxIdleTimeout:       30 * time.Second,
			KeepAlivePeriod:      5 * time.Second,
			HandshakeIdleTimeout: 5 * time.Second,
		},
		addrs:   make(map[string]string),
		inbound: make(chan radio.Central, 8),
		closed:  make(chan struct{}),
	}
	if opts.ListenAddr != "" {
		ln, err := quic.ListenAddr(opts.ListenAddr, serverTLS, d.quicConf)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", opts.ListenAddr, err)
		}
		d.ln = ln
		go d.acceptLoop()
		log.Info("quic link listening", zap.String("addr", ln.Addr().String()))
	}
	return d, nil
}

// Addr returns the bound listen address, or "".
func (d *Driver) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// AddPeer adds an address to the scan list.
func (d *Driver) AddPeer(addr string) {
	d.mu.Lock()
	d.opts.Peers = append(d.opts.Peers, addr)
	d.mu.Unlock()
}

// Close stops scanning and the listener.
func (d *Driver) Close() error {
	var err error
	d.once.Do(func() {
		close(d.closed)
		_ = d.StopScan()
		if d.ln != nil {
			err = d.ln.Close()
		}
	})
	return err
}

func (d *Driver) State(context.Context) (radio.PowerState, error) {
	select {
	case <-d.closed:
		return radio.StatePoweredOff, nil
	default:
		return radio.StatePoweredOn, nil
	}
}

func (d *Driver) RequestPermissions(context.Context) (bool, error) { return true, nil }

func (d *Driver) AdvertisingCapability() radio.Capability {
	if d.ln == nil {
		return radio.CapabilityUnsupported
	}
	return radio.CapabilitySupported
}

func (d *Driver) SetDeviceName(name string) error {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetManufacturerData(data []byte) error {
	d.mu.Lock()
	d.mfr = append([]byte(nil), data...)
	d.mu.Unlock()
	return nil
}

func (d *Driver) StartAdvertising(_ context.Context, serviceUUID string) error {
	if d.ln == nil {
		return errors.New("quiclink: no listen address")
	}
	d.mu.Lock()
	d.advertising = true
	d.service = serviceUUID
	d.mu.Unlock()
	return nil
}

func (d *Driver) StopAdvertising() error {
	d.mu.Lock()
	d.advertising = false
	d.mu.Unlock()
	return nil
}

func (d *Driver) currentAdvert() advert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return advert{
		DeviceID:         d.opts.DeviceID,
		Name:             d.name,
		ManufacturerData: d.mfr,
		Advertising:      d.advertising,
		Service:          d.service,
	}
}

// StartScan polls every peer address until StopScan.
func (d *Driver) StartScan(_ context.Context, found func(radio.Advertisement)) error {
	sctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if d.stopScan != nil {
		d.stopScan()
	}
	d.stopScan = cancel
	d.mu.Unlock()

	go func() {
		t := time.NewTicker(d.opts.ScanInterval)
		defer t.Stop()
		for {
			d.mu.Lock()
			peers := append([]string(nil), d.opts.Peers...)
			d.mu.Unlock()
			for _, addr := range peers {
				ad, ok := d.probe(sctx, addr)
				if ok && sctx.Err() == nil {
					found(ad)
				}
			}
			select {
			case <-sctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return nil
}

func (d *Driver) StopScan() error {
	d.mu.Lock()
	if d.stopScan != nil {
		d.stopScan()
		d.stopScan = nil
	}
	d.mu.Unlock()
	return nil
}

func (d *Driver) probe(ctx context.Context, addr string) (radio.Advertisement, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, d.clientTLS, d.quicConf)
	if err != nil {
		d.log.Debug("probe dial", zap.String("addr", addr), zap.Error(err))
		return radio.Advertisement{}, false
	}
	defer conn.CloseWithError(0, "probe done")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return radio.Advertisement{}, false
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}
	b, _ := json.Marshal(hello{Op: opAdvertise, From: d.opts.DeviceID})
	if err := writeFrame(stream, b); err != nil {
		return radio.Advertisement{}, false
	}
	resp, err := readFrame(stream)
	if err != nil {
		return radio.Advertisement{}, false
	}
	var ad advert
	if err := json.Unmarshal(resp, &ad); err != nil || !ad.Advertising || ad.DeviceID == "" {
		return radio.Advertisement{}, false
	}

	d.mu.Lock()
	d.addrs[ad.DeviceID] = addr
	d.mu.Unlock()
	return radio.Advertisement{DeviceID: ad.DeviceID, Name: ad.Name, RSSI: -40, ManufacturerData: ad.ManufacturerData}, true
}

// Connect dials a device found by a previous scan.
func (d *Driver) Connect(ctx context.Context, deviceID string) (radio.Peripheral, error) {
	d.mu.Lock()
	addr, ok := d.addrs[deviceID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	conn, err := quic.DialAddr(ctx, addr, d.clientTLS, d.quicConf)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	b, _ := json.Marshal(hello{Op: opConnect, From: d.opts.DeviceID})
	if err := writeFrame(stream, b); err != nil {
		_ = conn.CloseWithError(0, "hello failed")
		return nil, err
	}
	return &peripheral{id: deviceID, conn: conn, stream: stream}, nil
}

// Accept returns the next peer that connected while advertising.
func (d *Driver) Accept(ctx context.Context) (radio.Central, error) {
	select {
	case c := <-d.inbound:
		return c, nil
	case <-d.closed:
		return nil, errors.New("quiclink: closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Driver) acceptLoop() {
	for {
		conn, err := d.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-d.closed:
			default:
				d.log.Warn("quic accept", zap.Error(err))
			}
			return
		}
		go d.handleConn(conn)
	}
}

func (d *Driver) handleConn(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(conn.Context(), probeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(probeTimeout))
	raw, err := readFrame(stream)
	if err != nil {
		_ = conn.CloseWithError(0, "bad hello")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	var h hello
	if err := json.Unmarshal(raw, &h); err != nil {
		_ = conn.CloseWithError(0, "bad hello")
		return
	}

	ad := d.currentAdvert()
	b, _ := json.Marshal(ad)
	switch h.Op {
	case opAdvertise:
		_ = writeFrame(stream, b)
		_ = stream.Close()
	case opConnect:
		if err := writeFrame(stream, b); err != nil || !ad.Advertising {
			_ = conn.CloseWithError(0, "not advertising")
			return
		}
		ch := newChannel(conn, stream)
		select {
		case d.inbound <- &central{id: h.From, ch: ch}:
		case <-d.closed:
			_ = conn.CloseWithError(0, "closing")
		}
	default:
		_ = conn.CloseWithError(0, "unknown op")
	}
}

type peripheral struct {
	id      string
	conn    *quic.Conn
	stream  *quic.Stream
	service string
	ch      *channel
}

func (p *peripheral) ID() string { return p.id }

// DiscoverServices reads the peer's service announcement.
func (p *peripheral) DiscoverServices(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = p.stream.SetReadDeadline(dl)
	}
	raw, err := readFrame(p.stream)
	_ = p.stream.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}
	var ad advert
	if err := json.Unmarshal(raw, &ad); err != nil {
		return err
	}
	if !ad.Advertising {
		return errors.New("quiclink: peer stopped advertising")
	}
	p.service = ad.Service
	return nil
}

func (p *peripheral) Characteristic(service, _ string) (radio.Channel, error) {
	if p.service != service {
		return nil, fmt.Errorf("quiclink: service %s not found", service)
	}
	if p.ch == nil {
		p.ch = newChannel(p.conn, p.stream)
	}
	return p.ch, nil
}

func (p *peripheral) Disconnect() error { return p.conn.CloseWithError(0, "disconnect") }

type central struct {
	id string
	ch *channel
}

func (c *central) ID() string             { return c.id }
func (c *central) Channel() radio.Channel { return c.ch }
func (c *central) Disconnect() error      { return c.ch.conn.CloseWithError(0, "disconnect") }

type channel struct {
	conn   *quic.Conn
	stream *quic.Stream
	wmu    sync.Mutex
	recv   chan []byte
}

func newChannel(conn *quic.Conn, stream *quic.Stream) *channel {
	c := &channel{conn: conn, stream: stream, recv: make(chan []byte, 64)}
	go c.readLoop()
	return c
}

func (c *channel) readLoop() {
	for {
		frame, err := readFrame(c.stream)
		if err != nil {
			_ = c.conn.CloseWithError(0, "read failed")
			return
		}
		select {
		case c.recv <- frame:
		case <-c.conn.Context().Done():
			return
		}
	}
}

func (c *channel) Write(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(dl)
		defer func() { _ = c.stream.SetWriteDeadline(time.Time{}) }()
	}
	return writeFrame(c.stream, frame)
}

func (c *channel) Receive() <-chan []byte { return c.recv }
func (c *channel) Done() <-chan struct{}  { return c.conn.Context().Done() }
