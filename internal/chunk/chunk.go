// Package chunk splits oversized wire messages into ordered frames and reassembles them on the other side.
package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/protocol"
)

// Defaults used when Options leave a field zero.
const (
	DefaultThreshold = 4096
	DefaultPartSize  = 160
	DefaultTimeout   = 30 * time.Second
	DefaultMaxParts  = 1024

	DefaultMaxAssemblies = 8
)

var (
	// ErrIncomplete is returned when an end frame arrives before every part.
	ErrIncomplete = errors.New("chunk: incomplete message")
	// ErrBadFrame is returned for frames that contradict the assembly they belong to.
	ErrBadFrame = errors.New("chunk: bad frame")
	// ErrTooManyAssemblies is returned for a part starting a new message while MaxAssemblies are in progress.
	ErrTooManyAssemblies = errors.New("chunk: too many messages in progress")
)

// Part is a single chunk frame. Index is never omitted so part 0 survives encoding.
type Part struct {
	T     string `json:"t"`
	ID    string `json:"id"`
	Index int    `json:"i"`
	Total int    `json:"n"`
	Data  string `json:"d"`
}

// End terminates a chunked message.
type End struct {
	T  string `json:"t"`
	ID string `json:"id"`
}

// NeedsChunking reports whether wire text of length n must be split.
func NeedsChunking(n, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return n > threshold
}

// Split cuts wire text into chunk frames followed by one end frame.
func Split(id string, wire []byte, partSize int) ([][]byte, error) {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrBadFrame)
	}
	total := (len(wire) + partSize - 1) / partSize
	if total == 0 {
		total = 1
	}
	frames := make([][]byte, 0, total+1)
	for i := 0; i < total; i++ {
		lo := i * partSize
		hi := min(lo+partSize, len(wire))
		b, err := json.Marshal(Part{T: protocol.FrameChunk, ID: id, Index: i, Total: total, Data: string(wire[lo:hi])})
		if err != nil {
			return nil, err
		}
		frames = append(frames, b)
	}
	b, err := json.Marshal(End{T: protocol.FrameEnd, ID: id})
	if err != nil {
		return nil, err
	}
	return append(frames, b), nil
}

// Options tune a Reassembler.
type Options struct {
	Timeout       time.Duration
	MaxParts      int
	MaxAssemblies int
	// OnDrop is called from the timer goroutine when a partial assembly expires.
	OnDrop func(id string, received, total int)
	Logger *zap.Logger
}

type assembly struct {
	parts    []string
	have     []bool
	received int
	timer    *time.Timer
}

// Reassembler collects chunk frames per message id.
type Reassembler struct {
	mu      sync.Mutex
	pending map[string]*assembly
	opts    Options
	log     *zap.Logger
	closed  bool
}

// NewReassembler returns a Reassembler with defaults filled in.
func NewReassembler(opts Options) *Reassembler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxParts <= 0 {
		opts.MaxParts = DefaultMaxParts
	}
	if opts.MaxAssemblies <= 0 {
		opts.MaxAssemblies = DefaultMaxAssemblies
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Reassembler{pending: make(map[string]*assembly), opts: opts, log: log}
}

// Handle processes one decoded frame of kind "chunk" or "end".
// It returns the decoded message once an end frame completes it, nil otherwise.
func (r *Reassembler) Handle(raw []byte) ([]byte, error) {
	kind, err := protocol.Sniff(raw)
	if err != nil {
		return nil, err
	}
	switch kind {
	case protocol.FrameChunk:
		var p Part
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		return nil, r.Add(p)
	case protocol.FrameEnd:
		var e End
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		return r.Finish(e.ID)
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrBadFrame, kind)
	}
}

// Add stores a part. Duplicates overwrite the earlier copy.
func (r *Reassembler) Add(p Part) error {
	if p.ID == "" || p.Total <= 0 || p.Total > r.opts.MaxParts {
		return fmt.Errorf("%w: id=%q n=%d", ErrBadFrame, p.ID, p.Total)
	}
	if p.Index < 0 || p.Index >= p.Total {
		return fmt.Errorf("%w: index %d outside [0,%d)", ErrBadFrame, p.Index, p.Total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: reassembler closed", ErrBadFrame)
	}

	a, ok := r.pending[p.ID]
	if !ok {
		if len(r.pending) >= r.opts.MaxAssemblies {
			return fmt.Errorf("%w: %d open", ErrTooManyAssemblies, len(r.pending))
		}
		a = &assembly{parts: make([]string, p.Total), have: make([]bool, p.Total)}
		id := p.ID
		a.timer = time.AfterFunc(r.opts.Timeout, func() { r.expire(id, a) })
		r.pending[p.ID] = a
	} else if len(a.parts) != p.Total {
		return fmt.Errorf("%w: total %d, first frame said %d", ErrBadFrame, p.Total, len(a.parts))
	}
	if !a.have[p.Index] {
		a.have[p.Index] = true
		a.received++
	}
	a.parts[p.Index] = p.Data
	return nil
}

// Finish closes the assembly for id and base64-decodes the joined text.
// The assembly is dropped whether or not it was complete.
func (r *Reassembler) Finish(id string) ([]byte, error) {
	r.mu.Lock()
	a, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		a.timer.Stop()
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown id %q", ErrIncomplete, id)
	}
	if a.received != len(a.parts) {
		return nil, fmt.Errorf("%w: %d of %d parts", ErrIncomplete, a.received, len(a.parts))
	}
	size := 0
	for _, s := range a.parts {
		size += len(s)
	}
	text := make([]byte, 0, size)
	for _, s := range a.parts {
		text = append(text, s...)
	}
	return protocol.FromWire(text)
}

func (r *Reassembler) expire(id string, a *assembly) {
	r.mu.Lock()
	cur, ok := r.pending[id]
	if !ok || cur != a {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	received, total := a.received, len(a.parts)
	r.mu.Unlock()

	r.log.Warn("chunk assembly expired",
		zap.String("id", id), zap.Int("received", received), zap.Int("total", total))
	if r.opts.OnDrop != nil {
		r.opts.OnDrop(id, received, total)
	}
}

// Pending returns the number of assemblies in progress.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops every timer and drops partial assemblies.
func (r *Reassembler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.pending {
		a.timer.Stop()
		delete(r.pending, id)
	}
	r.closed = true
}
