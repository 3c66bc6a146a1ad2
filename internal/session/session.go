// Package session manages key exchange and authenticated encryption for payment sessions.
package session

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/crypto"
	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/protocol"
)

// DefaultLifetime bounds how long an established session stays usable.
const DefaultLifetime = 10 * time.Minute

type role int

const (
	initiator role = iota
	responder
)

type session struct {
	id        string
	peer      string
	role      role
	keys      *crypto.SessionKeys
	sent      uint64
	highest   uint64
	expiresAt time.Time
}

func (s *session) sendKeys() (enc, mac []byte) {
	if s.role == initiator {
		return s.keys.InitiatorEnc, s.keys.InitiatorMAC
	}
	return s.keys.ResponderEnc, s.keys.ResponderMAC
}

func (s *session) recvKeys() (enc, mac []byte) {
	if s.role == initiator {
		return s.keys.ResponderEnc, s.keys.ResponderMAC
	}
	return s.keys.InitiatorEnc, s.keys.InitiatorMAC
}

type exchange struct {
	role        role
	peer        string
	kp          *crypto.KeyPair
	clientPub   []byte
	serverPub   []byte
	clientNonce []byte
	serverNonce []byte
	keys        *crypto.SessionKeys
	createdAt   time.Time
}

func (x *exchange) wipe() {
	if x.kp != nil {
		x.kp.Wipe()
	}
	if x.keys != nil {
		x.keys.Wipe()
	}
}

// SecurePayment is an encrypted payload with its authentication data.
type SecurePayment struct {
	SessionID  string
	Nonce      string
	MAC        string // base64
	Ciphertext string // base64
}

// Options configure a Manager.
type Options struct {
	Lifetime time.Duration
	DeviceID string
	Logger   *zap.Logger
	Now      func() time.Time
}

// Manager owns all session state. Nothing outside it sees keys or counters.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	pending  map[string]*exchange

	lifetime time.Duration
	deviceID string
	now      func() time.Time
	log      *zap.Logger
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*session),
		pending:  make(map[string]*exchange),
		lifetime: opts.Lifetime,
		deviceID: opts.DeviceID,
		now:      opts.Now,
		log:      opts.Logger,
	}
}

var b64 = base64.StdEncoding

func kxErr(format string, args ...any) error {
	return errs.Newf(errs.ErrAuthentication, errs.ErrKeyExchange, format, args...)
}

// InitiateKeyExchange starts a handshake with peer and returns the init frame.
func (m *Manager) InitiateKeyExchange(peer string) (protocol.KeyExchange, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return protocol.KeyExchange{}, err
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return protocol.KeyExchange{}, err
	}
	nonce, err := crypto.Rand(crypto.NonceLen)
	if err != nil {
		return protocol.KeyExchange{}, err
	}

	sid := id.String()
	m.mu.Lock()
	m.pending[sid] = &exchange{
		role:        initiator,
		peer:        peer,
		kp:          kp,
		clientPub:   kp.Public,
		clientNonce: nonce,
		createdAt:   m.now(),
	}
	m.mu.Unlock()

	return protocol.KeyExchange{
		T:         protocol.FrameKeyExchange,
		Step:      protocol.KXInit,
		SessionID: sid,
		PublicKey: b64.EncodeToString(kp.Public),
		Nonce:     b64.EncodeToString(nonce),
		DeviceID:  m.deviceID,
	}, nil
}

// RespondKeyExchange answers an init frame. The responder session becomes active on ConfirmKeyExchange.
func (m *Manager) RespondKeyExchange(init protocol.KeyExchange) (protocol.KeyExchange, error) {
	if init.Step != protocol.KXInit {
		return protocol.KeyExchange{}, kxErr("expected init, got %q", init.Step)
	}
	clientPub, err := b64.DecodeString(init.PublicKey)
	if err != nil {
		return protocol.KeyExchange{}, kxErr("public key: %v", err)
	}
	clientNonce, err := b64.DecodeString(init.Nonce)
	if err != nil || len(clientNonce) != crypto.NonceLen {
		return protocol.KeyExchange{}, kxErr("client nonce")
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return protocol.KeyExchange{}, err
	}
	defer kp.Wipe()
	serverNonce, err := crypto.Rand(crypto.NonceLen)
	if err != nil {
		return protocol.KeyExchange{}, err
	}
	shared, err := kp.SharedSecret(clientPub)
	if err != nil {
		return protocol.KeyExchange{}, kxErr("agreement: %v", err)
	}
	defer crypto.Zero(shared)
	keys, err := crypto.DeriveSessionKeys(shared, clientNonce, serverNonce, init.SessionID)
	if err != nil {
		return protocol.KeyExchange{}, err
	}

	mac := crypto.MAC(keys.Confirm, []byte(protocol.KXResponse), []byte(init.SessionID), clientPub, kp.Public)

	m.mu.Lock()
	if _, ok := m.sessions[init.SessionID]; ok {
		m.mu.Unlock()
		keys.Wipe()
		return protocol.KeyExchange{}, kxErr("session %s in use", init.SessionID)
	}
	if old, ok := m.pending[init.SessionID]; ok {
		if old.role != responder || old.peer != init.DeviceID {
			m.mu.Unlock()
			keys.Wipe()
			return protocol.KeyExchange{}, kxErr("session %s pending for another peer", init.SessionID)
		}
		old.wipe()
	}
	m.pending[init.SessionID] = &exchange{
		role:        responder,
		peer:        init.DeviceID,
		clientPub:   clientPub,
		serverPub:   kp.Public,
		clientNonce: clientNonce,
		serverNonce: serverNonce,
		keys:        keys,
		createdAt:   m.now(),
	}
	m.mu.Unlock()

	return protocol.KeyExchange{
		T:         protocol.FrameKeyExchange,
		Step:      protocol.KXResponse,
		SessionID: init.SessionID,
		PublicKey: b64.EncodeToString(kp.Public),
		Nonce:     b64.EncodeToString(serverNonce),
		MAC:       b64.EncodeToString(mac),
		DeviceID:  m.deviceID,
	}, nil
}

// CompleteKeyExchange verifies the response, activates the initiator session and returns the confirm frame.
func (m *Manager) CompleteKeyExchange(resp protocol.KeyExchange) (protocol.KeyExchange, error) {
	if resp.Step != protocol.KXResponse {
		return protocol.KeyExchange{}, kxErr("expected response, got %q", resp.Step)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	x, ok := m.pending[resp.SessionID]
	if !ok || x.role != initiator {
		return protocol.KeyExchange{}, errs.Newf(errs.ErrAuthentication, errs.ErrSessionNotFound, "%s", resp.SessionID)
	}

	serverPub, err := b64.DecodeString(resp.PublicKey)
	if err != nil {
		return protocol.KeyExchange{}, kxErr("public key: %v", err)
	}
	serverNonce, err := b64.DecodeString(resp.Nonce)
	if err != nil || len(serverNonce) != crypto.NonceLen {
		return protocol.KeyExchange{}, kxErr("server nonce")
	}
	mac, err := b64.DecodeString(resp.MAC)
	if err != nil {
		return protocol.KeyExchange{}, kxErr("mac: %v", err)
	}

	shared, err := x.kp.SharedSecret(serverPub)
	if err != nil {
		return protocol.KeyExchange{}, kxErr("agreement: %v", err)
	}
	defer crypto.Zero(shared)
	keys, err := crypto.DeriveSessionKeys(shared, x.clientNonce, serverNonce, resp.SessionID)
	if err != nil {
		return protocol.KeyExchange{}, err
	}
	if !crypto.VerifyMAC(keys.Confirm, mac, []byte(protocol.KXResponse), []byte(resp.SessionID), x.clientPub, serverPub) {
		keys.Wipe()
		return protocol.KeyExchange{}, errs.Newf(errs.ErrAuthentication, errs.ErrBadMAC, "key exchange response")
	}

	confirm := crypto.MAC(keys.Confirm, []byte(protocol.KXConfirm), []byte(resp.SessionID), serverNonce)

	delete(m.pending, resp.SessionID)
	x.kp.Wipe()
	m.dropLocked(resp.SessionID)
	m.sessions[resp.SessionID] = &session{
		id:        resp.SessionID,
		peer:      x.peer,
		role:      initiator,
		keys:      keys,
		expiresAt: m.now().Add(m.lifetime),
	}
	m.log.Debug("session established", zap.String("session", resp.SessionID), zap.String("peer", x.peer))

	return protocol.KeyExchange{
		T:         protocol.FrameKeyExchange,
		Step:      protocol.KXConfirm,
		SessionID: resp.SessionID,
		MAC:       b64.EncodeToString(confirm),
		DeviceID:  m.deviceID,
	}, nil
}

// ConfirmKeyExchange verifies the initiator's confirmation and activates the responder session.
func (m *Manager) ConfirmKeyExchange(confirm protocol.KeyExchange) error {
	if confirm.Step != protocol.KXConfirm {
		return kxErr("expected confirm, got %q", confirm.Step)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	x, ok := m.pending[confirm.SessionID]
	if !ok || x.role != responder {
		return errs.Newf(errs.ErrAuthentication, errs.ErrSessionNotFound, "%s", confirm.SessionID)
	}
	mac, err := b64.DecodeString(confirm.MAC)
	if err != nil {
		return kxErr("mac: %v", err)
	}
	if !crypto.VerifyMAC(x.keys.Confirm, mac, []byte(protocol.KXConfirm), []byte(confirm.SessionID), x.serverNonce) {
		return errs.Newf(errs.ErrAuthentication, errs.ErrBadMAC, "key exchange confirm")
	}

	delete(m.pending, confirm.SessionID)
	m.dropLocked(confirm.SessionID)
	m.sessions[confirm.SessionID] = &session{
		id:        confirm.SessionID,
		peer:      x.peer,
		role:      responder,
		keys:      x.keys,
		expiresAt: m.now().Add(m.lifetime),
	}
	m.log.Debug("session established", zap.String("session", confirm.SessionID), zap.String("peer", x.peer))
	return nil
}

// dropLocked wipes and forgets an established session. Caller holds m.mu.
func (m *Manager) dropLocked(sessionID string) {
	if s, ok := m.sessions[sessionID]; ok {
		s.keys.Wipe()
		delete(m.sessions, sessionID)
	}
}

// lookup returns a live session. Caller holds m.mu.
func (m *Manager) lookup(sessionID string) (*session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.Newf(errs.ErrAuthentication, errs.ErrSessionNotFound, "%s", sessionID)
	}
	if !m.now().Before(s.expiresAt) {
		s.keys.Wipe()
		delete(m.sessions, sessionID)
		return nil, errs.Newf(errs.ErrAuthentication, errs.ErrSessionExpired, "%s", sessionID)
	}
	return s, nil
}

// verifyIncoming checks the MAC and nonce order. It does not record the nonce.
func verifyIncoming(s *session, nonce string, mac []byte, parts ...[]byte) (uint64, error) {
	n, err := strconv.ParseUint(nonce, 10, 64)
	if err != nil {
		return 0, errs.Newf(errs.ErrAuthentication, errs.ErrMalformedEnvelope, "nonce %q", nonce)
	}
	_, macKey := s.recvKeys()
	all := append([][]byte{[]byte(s.id), []byte(nonce)}, parts...)
	if !crypto.VerifyMAC(macKey, mac, all...) {
		return 0, errs.New(errs.ErrAuthentication, errs.ErrBadMAC)
	}
	if n <= s.highest {
		return 0, errs.Newf(errs.ErrAuthentication, errs.ErrReplayedNonce, "nonce %d, highest %d", n, s.highest)
	}
	return n, nil
}

// EncryptPaymentData seals plaintext for the peer of sessionID.
func (m *Manager) EncryptPaymentData(sessionID string, plaintext []byte) (*SecurePayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.sent++
	nonce := strconv.FormatUint(s.sent, 10)
	enc, macKey := s.sendKeys()

	ct, err := crypto.Seal(enc, plaintext, []byte(sessionID+"|"+nonce))
	if err != nil {
		return nil, err
	}
	mac := crypto.MAC(macKey, []byte(sessionID), []byte(nonce), ct)
	return &SecurePayment{
		SessionID:  sessionID,
		Nonce:      nonce,
		MAC:        b64.EncodeToString(mac),
		Ciphertext: b64.EncodeToString(ct),
	}, nil
}

// DecryptPaymentData authenticates and opens a payload from the peer of sessionID.
// The nonce is recorded only after both the MAC and the AEAD verify.
func (m *Manager) DecryptPaymentData(sessionID, nonce, mac, ciphertext string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	macRaw, err := b64.DecodeString(mac)
	if err != nil {
		return nil, errs.Newf(errs.ErrAuthentication, errs.ErrBadMAC, "mac encoding")
	}
	ct, err := b64.DecodeString(ciphertext)
	if err != nil {
		return nil, errs.Newf(errs.ErrAuthentication, errs.ErrMalformedEnvelope, "ciphertext encoding")
	}
	n, err := verifyIncoming(s, nonce, macRaw, ct)
	if err != nil {
		return nil, err
	}
	enc, _ := s.recvKeys()
	pt, err := crypto.Open(enc, ct, []byte(sessionID+"|"+nonce))
	if err != nil {
		return nil, errs.Newf(errs.ErrAuthentication, errs.ErrBadMAC, "aead")
	}
	s.highest = n
	return pt, nil
}

// SignEnvelope authenticates a plaintext payload of type t and returns the nonce and MAC to put in the envelope.
func (m *Manager) SignEnvelope(sessionID string, t protocol.MessageType, payload []byte) (nonce, mac string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID)
	if err != nil {
		return "", "", err
	}
	s.sent++
	nonce = strconv.FormatUint(s.sent, 10)
	_, macKey := s.sendKeys()
	raw := crypto.MAC(macKey, []byte(sessionID), []byte(nonce), []byte(t), payload)
	return nonce, b64.EncodeToString(raw), nil
}

// VerifyEnvelope checks an envelope signed by the peer with SignEnvelope.
func (m *Manager) VerifyEnvelope(env *protocol.Envelope) error {
	if !env.Authenticated() {
		return errs.Newf(errs.ErrAuthentication, errs.ErrSessionNotFound, "envelope carries no session")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(env.SessionID)
	if err != nil {
		return err
	}
	macRaw, err := b64.DecodeString(env.HMAC)
	if err != nil {
		return errs.Newf(errs.ErrAuthentication, errs.ErrBadMAC, "mac encoding")
	}
	n, err := verifyIncoming(s, env.Nonce, macRaw, []byte(env.Type), env.Payload)
	if err != nil {
		return err
	}
	s.highest = n
	return nil
}

// Has reports whether sessionID is established and unexpired.
func (m *Manager) Has(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.lookup(sessionID)
	return err == nil
}

// Peer returns the device id recorded for an established session.
func (m *Manager) Peer(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sessionID)
	if err != nil {
		return "", false
	}
	return s.peer, true
}

// End destroys a session or pending exchange.
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(sessionID)
	if x, ok := m.pending[sessionID]; ok {
		x.wipe()
		delete(m.pending, sessionID)
	}
}

// CleanupExpiredSessions purges expired sessions and stale exchanges. It returns how many were removed.
func (m *Manager) CleanupExpiredSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for id, s := range m.sessions {
		if !now.Before(s.expiresAt) {
			s.keys.Wipe()
			delete(m.sessions, id)
			n++
		}
	}
	for id, x := range m.pending {
		if !now.Before(x.createdAt.Add(m.lifetime)) {
			x.wipe()
			delete(m.pending, id)
			n++
		}
	}
	if n > 0 {
		m.log.Debug("sessions purged", zap.Int("count", n))
	}
	return n
}

// Run sweeps expired sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.CleanupExpiredSessions()
		}
	}
}

// Len returns the number of established sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
