package payment

import (
	"context"
	"encoding/json"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/airchainpay/internal/chunk"
	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/protocol"
	"github.com/and161185/airchainpay/internal/radio"
	"github.com/and161185/airchainpay/internal/session"
)

// inbound is one decoded message from the peer. Exactly one field is set.
type inbound struct {
	kx  *protocol.KeyExchange
	env *protocol.Envelope
	err error
}

// readLoop decodes frames from conn until ctx ends or the link drops, then closes the returned channel.
// Frames already buffered when the link drops are still delivered.
func readLoop(ctx context.Context, conn *radio.Conn, re *chunk.Reassembler) <-chan inbound {
	out := make(chan inbound, 16)
	go func() {
		defer close(out)
		emit := func(frame []byte) bool {
			msg, ok := decodeFrame(frame, re)
			if !ok {
				return true
			}
			select {
			case out <- msg:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-conn.Frames():
				if !emit(frame) {
					return
				}
			case <-conn.Done():
				for {
					select {
					case frame := <-conn.Frames():
						if !emit(frame) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()
	return out
}

// decodeFrame turns one characteristic write into a message. ok is false while a chunked message is incomplete.
func decodeFrame(frame []byte, re *chunk.Reassembler) (msg inbound, ok bool) {
	raw, err := protocol.FromWire(frame)
	if err != nil {
		return inbound{err: err}, true
	}
	kind, err := protocol.Sniff(raw)
	if err != nil {
		return inbound{err: err}, true
	}
	switch kind {
	case protocol.FrameKeyExchange:
		kx, err := protocol.DecodeKeyExchange(raw)
		if err != nil {
			return inbound{err: err}, true
		}
		return inbound{kx: &kx}, true
	case protocol.FrameChunk, protocol.FrameEnd:
		whole, err := re.Handle(raw)
		if err != nil {
			return inbound{err: err}, true
		}
		if whole == nil {
			return inbound{}, false
		}
		raw = whole
	case "":
	default:
		return inbound{err: errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "frame kind %q", kind)}, true
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return inbound{err: err}, true
	}
	return inbound{env: env}, true
}

// writeMessage sends an encoded envelope, chunking it when its wire text exceeds threshold.
// It returns the chunk id, empty for a single frame, and the number of frames written.
func writeMessage(ctx context.Context, conn *radio.Conn, msg []byte, threshold, partSize int) (string, int, error) {
	wire := protocol.ToWire(msg)
	if !chunk.NeedsChunking(len(wire), threshold) {
		return "", 1, conn.Write(ctx, wire)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", 0, err
	}
	frames, err := chunk.Split(id.String(), wire, partSize)
	if err != nil {
		return "", 0, err
	}
	for i, f := range frames {
		if err := conn.Write(ctx, protocol.ToWire(f)); err != nil {
			return id.String(), i, err
		}
	}
	// the end frame is not a part
	return id.String(), len(frames) - 1, nil
}

func writeKX(ctx context.Context, conn *radio.Conn, kx protocol.KeyExchange) error {
	raw, err := protocol.EncodeKeyExchange(kx)
	if err != nil {
		return err
	}
	return conn.Write(ctx, protocol.ToWire(raw))
}

// sendEnvelope writes payload as an envelope of type t, signed when sid names a live session.
func sendEnvelope(ctx context.Context, conn *radio.Conn, sessions *session.Manager, sid string,
	t protocol.MessageType, payload any, threshold, partSize int) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var nonce, mac string
	if sid != "" && sessions.Has(sid) {
		if nonce, mac, err = sessions.SignEnvelope(sid, t, raw); err != nil {
			return err
		}
	} else {
		sid = ""
	}
	msg, err := protocol.Encode(t, json.RawMessage(raw), sid, nonce, mac)
	if err != nil {
		return err
	}
	_, _, err = writeMessage(ctx, conn, msg, threshold, partSize)
	return err
}
