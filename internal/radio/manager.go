package radio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
)

// Config tunes the manager. Zero values take the defaults noted per field.
type Config struct {
	ServiceUUID        string
	CharacteristicUUID string
	DevicePrefix       string
	SupportedTokens    []string

	SettleDelay       time.Duration // 500ms, between stop and the next start
	AdvertiseAttempts int           // 3
	AdvertiseAutoStop time.Duration // 60s
	ConnectTimeout    time.Duration // 10s
	DeviceTTL         time.Duration // 60s
	Write             WriteConfig
}

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.AdvertiseAttempts <= 0 {
		c.AdvertiseAttempts = 3
	}
	if c.AdvertiseAutoStop <= 0 {
		c.AdvertiseAutoStop = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.DeviceTTL <= 0 {
		c.DeviceTTL = 60 * time.Second
	}
	c.Write = c.Write.withDefaults()
	return c
}

// Manager is the single owner of one local radio.
type Manager struct {
	drv Driver
	cfg Config
	log *zap.Logger
	bus *Bus
	now func() time.Time

	mu          sync.Mutex
	scanning    bool
	devices     map[string]*model.Device
	advertising bool
	advTimer    *time.Timer
	conns       map[string]*Conn

	connectMu sync.Mutex
}

// NewManager wraps drv. Create one per local radio.
func NewManager(drv Driver, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		drv:     drv,
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     NewBus(),
		now:     time.Now,
		devices: make(map[string]*model.Device),
		conns:   make(map[string]*Conn),
	}
}

// Subscribe registers for lifecycle events.
func (m *Manager) Subscribe(buffer int, kinds ...EventKind) *Subscription {
	return m.bus.Subscribe(buffer, kinds...)
}

func (m *Manager) publish(kind EventKind, deviceID string, dev *model.Device) {
	if n := m.bus.Publish(Event{Kind: kind, DeviceID: deviceID, Device: dev, At: m.now()}); n > 0 {
		m.log.Debug("event dropped", zap.Stringer("kind", kind), zap.Int("subscribers", n))
	}
}

// CheckAvailability fails closed unless the radio is powered on and permitted.
// Permissions are requested at most once per call.
func (m *Manager) CheckAvailability(ctx context.Context) error {
	st, err := m.drv.State(ctx)
	if err != nil {
		return errs.Newf(errs.ErrAvailability, errs.ErrRadioOff, "state: %v", err)
	}
	if st == StateUnauthorized {
		granted, err := m.drv.RequestPermissions(ctx)
		if err != nil || !granted {
			return errs.New(errs.ErrAvailability, errs.ErrPermissionDenied)
		}
		if st, err = m.drv.State(ctx); err != nil {
			return errs.Newf(errs.ErrAvailability, errs.ErrRadioOff, "state: %v", err)
		}
	}
	switch st {
	case StatePoweredOn:
		return nil
	case StateUnsupported:
		return errs.New(errs.ErrAvailability, errs.ErrRadioUnsupported)
	case StateUnauthorized:
		return errs.New(errs.ErrAvailability, errs.ErrPermissionDenied)
	default:
		return errs.Newf(errs.ErrAvailability, errs.ErrRadioOff, "%s", st)
	}
}

// StartScan starts discovery. A scan already in progress is stopped and allowed to settle first.
func (m *Manager) StartScan(ctx context.Context) error {
	if err := m.CheckAvailability(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	restart := m.scanning
	if restart {
		if err := m.drv.StopScan(); err != nil {
			m.log.Warn("force stop scan", zap.Error(err))
		}
		m.scanning = false
	}
	m.mu.Unlock()

	if restart {
		if err := sleep(ctx, m.cfg.SettleDelay); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.scanning = true
	m.mu.Unlock()
	if err := m.drv.StartScan(ctx, m.onAdvertisement); err != nil {
		m.mu.Lock()
		m.scanning = false
		m.mu.Unlock()
		return fmt.Errorf("start scan: %w", err)
	}
	m.publish(ScanStarted, "", nil)
	m.log.Info("scan started", zap.Bool("restart", restart))
	return nil
}

func (m *Manager) onAdvertisement(ad Advertisement) {
	if !MatchesPrefix(ad.Name, ad.ManufacturerData, m.cfg.DevicePrefix) {
		return
	}
	now := m.now()
	dev := &model.Device{
		ID:               ad.DeviceID,
		Name:             ad.Name,
		RSSI:             ad.RSSI,
		DiscoveredAt:     now,
		ManufacturerData: append([]byte(nil), ad.ManufacturerData...),
		Payment:          ParsePaymentData(ad.Name, m.cfg.DevicePrefix, m.cfg.SupportedTokens),
	}

	m.mu.Lock()
	if !m.scanning {
		m.mu.Unlock()
		return
	}
	m.devices[dev.ID] = dev
	for id, d := range m.devices {
		if now.Sub(d.DiscoveredAt) > m.cfg.DeviceTTL {
			delete(m.devices, id)
		}
	}
	m.mu.Unlock()

	cp := *dev
	m.publish(DeviceDiscovered, dev.ID, &cp)
}

// StopScan ends discovery and forgets discovered devices.
func (m *Manager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return nil
	}
	err := m.drv.StopScan()
	m.scanning = false
	m.devices = make(map[string]*model.Device)
	m.publish(ScanStopped, "", nil)
	return err
}

// IsScanning reports whether discovery is active.
func (m *Manager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// Devices returns discovered devices, strongest signal first.
func (m *Manager) Devices() []model.Device {
	m.mu.Lock()
	out := make([]model.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Device returns a discovered device by id.
func (m *Manager) Device(id string) (model.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return model.Device{}, false
	}
	return *d, true
}

// StartAdvertising broadcasts name, optionally with backupID as manufacturer data.
// Each attempt stops, settles, sets the name and data, then starts.
func (m *Manager) StartAdvertising(ctx context.Context, name, backupID string) error {
	if err := m.CheckAvailability(ctx); err != nil {
		return err
	}
	switch m.drv.AdvertisingCapability() {
	case CapabilityUnsupported:
		return errs.New(errs.ErrAvailability, errs.ErrAdvertisingUnsupported)
	case CapabilityUnknown:
		m.log.Warn("advertising capability unknown, attempting anyway")
	}

	m.mu.Lock()
	if m.advTimer != nil {
		m.advTimer.Stop()
		m.advTimer = nil
	}
	m.advertising = false
	m.mu.Unlock()

	var last error
	for attempt := 1; attempt <= m.cfg.AdvertiseAttempts; attempt++ {
		last = m.advertiseOnce(ctx, name, backupID)
		if last == nil {
			break
		}
		m.log.Warn("advertise attempt failed", zap.Int("attempt", attempt), zap.Error(last))
		if ctx.Err() != nil || attempt == m.cfg.AdvertiseAttempts {
			break
		}
		if err := sleep(ctx, m.cfg.SettleDelay); err != nil {
			break
		}
	}
	if last != nil {
		return errs.Newf(errs.ErrAvailability, errs.ErrAdvertiseFailed, "after %d attempts: %v", m.cfg.AdvertiseAttempts, last)
	}

	m.mu.Lock()
	m.advertising = true
	m.advTimer = time.AfterFunc(m.cfg.AdvertiseAutoStop, func() {
		m.log.Info("advertising auto-stop")
		_ = m.StopAdvertising()
	})
	m.mu.Unlock()
	m.publish(AdvertisingStarted, "", nil)
	m.log.Info("advertising started", zap.String("name", name))
	return nil
}

func (m *Manager) advertiseOnce(ctx context.Context, name, backupID string) error {
	if err := m.drv.StopAdvertising(); err != nil {
		m.log.Debug("stop before advertise", zap.Error(err))
	}
	if err := sleep(ctx, m.cfg.SettleDelay); err != nil {
		return err
	}
	if err := m.drv.SetDeviceName(name); err != nil {
		return fmt.Errorf("set name: %w", err)
	}
	if backupID != "" {
		if err := m.drv.SetManufacturerData([]byte(backupID)); err != nil {
			m.log.Warn("manufacturer data not set", zap.Error(err))
		}
	}
	if err := m.drv.StartAdvertising(ctx, m.cfg.ServiceUUID); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// StopAdvertising ends the broadcast and its auto-stop timer.
func (m *Manager) StopAdvertising() error {
	m.mu.Lock()
	if m.advTimer != nil {
		m.advTimer.Stop()
		m.advTimer = nil
	}
	was := m.advertising
	m.advertising = false
	m.mu.Unlock()

	if !was {
		return nil
	}
	err := m.drv.StopAdvertising()
	m.publish(AdvertisingStopped, "", nil)
	return err
}

// IsAdvertising reports whether the broadcast is active.
func (m *Manager) IsAdvertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising
}

// Connect returns a live connection to deviceID, reusing an existing one.
func (m *Manager) Connect(ctx context.Context, deviceID string) (*Conn, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if c, ok := m.conns[deviceID]; ok && c.Alive() {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	p, err := m.drv.Connect(cctx, deviceID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, errs.Newf(errs.ErrConnection, errs.ErrConnectTimeout, "%s after %s", deviceID, m.cfg.ConnectTimeout)
		}
		return nil, errs.Newf(errs.ErrConnection, errs.ErrConnectFailed, "%s: %v", deviceID, err)
	}
	if err := p.DiscoverServices(cctx); err != nil {
		_ = p.Disconnect()
		return nil, errs.Newf(errs.ErrConnection, errs.ErrServiceDiscovery, "%s: %v", deviceID, err)
	}
	ch, err := p.Characteristic(m.cfg.ServiceUUID, m.cfg.CharacteristicUUID)
	if err != nil {
		_ = p.Disconnect()
		return nil, errs.Newf(errs.ErrConnection, errs.ErrServiceDiscovery, "%s: characteristic: %v", deviceID, err)
	}

	c := newConn(deviceID, ch, m.cfg.Write, m.log, p.Disconnect)
	m.track(c)
	m.log.Info("connected", zap.String("device", deviceID))
	return c, nil
}

// Accept waits for the next inbound central.
func (m *Manager) Accept(ctx context.Context) (*Conn, error) {
	cen, err := m.drv.Accept(ctx)
	if err != nil {
		return nil, err
	}
	c := newConn(cen.ID(), cen.Channel(), m.cfg.Write, m.log, cen.Disconnect)
	m.track(c)
	m.log.Info("central connected", zap.String("device", cen.ID()))
	return c, nil
}

func (m *Manager) track(c *Conn) {
	m.mu.Lock()
	m.conns[c.Peer()] = c
	m.mu.Unlock()
	m.publish(Connected, c.Peer(), nil)

	go func() {
		<-c.Done()
		m.mu.Lock()
		if m.conns[c.Peer()] == c {
			delete(m.conns, c.Peer())
		}
		m.mu.Unlock()
		m.publish(Disconnected, c.Peer(), nil)
	}()
}

// Disconnect drops the connection to deviceID if any.
func (m *Manager) Disconnect(deviceID string) error {
	m.mu.Lock()
	c, ok := m.conns[deviceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Close stops scanning and advertising and drops every connection.
func (m *Manager) Close() error {
	err := errors.Join(m.StopScan(), m.StopAdvertising())
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		err = errors.Join(err, c.Close())
	}
	return err
}
