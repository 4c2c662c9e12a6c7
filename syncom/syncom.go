// Package syncom implements a full-duplex, bit-banged synchronous serial
// link between two cooperatively scheduled peers, run as a usched.TaskFunc.
// One side is the Initiator (drives the clock), the other the Passive
// (follows it); the two exchange 7-bit characters framed by a zero byte,
// after first hunting for a shared sync byte.
package syncom

import (
	"fmt"
	"time"

	"github.com/knyete/usched"
)

const (
	syn         byte = 0x9d
	bitsPerCh        = 7
	bitsSyn          = 8
	defaultLatency   = 5
)

// SynComTimeoutError is returned by Run (and wraps the task's error return)
// when a bit fails to arrive within the configured timeout.
type SynComTimeoutError struct {
	Role string
}

func (e SynComTimeoutError) Error() string {
	return fmt.Sprintf("syncom: %s: timed out waiting for clock edge", e.Role)
}

// Option configures a Link at construction.
type Option func(*Link)

// WithLatency sets how many characters are exchanged between cooperative
// yields in steady state (default 5, the reference firmware's default).
// Larger values reduce scheduler overhead per character at the cost of
// holding up every other task longer between yields.
func WithLatency(chars int) Option {
	return func(l *Link) {
		if chars > 0 {
			l.latency = chars
		}
	}
}

// WithTimeout bounds how long a single bit exchange may wait for its clock
// edge before the link fails with SynComTimeoutError. Zero (the default)
// waits forever.
func WithTimeout(d time.Duration) Option {
	return func(l *Link) { l.timeout = d }
}

// WithResetPin drives pin to resetState then its complement across the
// startup handshake, for peers that can be hardware-reset into a known
// state before sync acquisition begins.
func WithResetPin(pin usched.Pin, resetState int) Option {
	return func(l *Link) {
		l.pinReset = pin
		l.resetState = resetState
	}
}

// WithCodec overrides the Opaque Serialiser used by Send/Get.
func WithCodec(c Codec) Option {
	return func(l *Link) { l.codec = c }
}

// WithLogger installs a diagnostic sink for handshake and timeout events.
func WithLogger(log usched.Logger) Option {
	return func(l *Link) { l.log = log }
}

// Link is one end of a SynCom connection. It is driven as a usched task via
// Run; Send/SendString/Get/GetString/Any are the application-facing queue
// operations, safe to call from any other task scheduled on the same
// Scheduler (the single-goroutine-at-a-time cooperative guarantee is what
// makes that safe without a lock — the same assumption the task table
// itself relies on).
type Link struct {
	passive    bool
	ckin, din  usched.Pin
	ckout, dout usched.Pin
	pinReset   usched.Pin
	resetState int

	latency int
	timeout time.Duration
	codec   Codec
	log     usched.Logger

	running bool
	indata  int
	inbits  int
	odata   int
	phase   int

	txq [][]byte
	rxq [][]byte
}

// New constructs a Link. ckin/din are inputs, ckout/dout are outputs;
// passive selects which side follows the other's clock.
func New(passive bool, ckin, ckout, din, dout usched.Pin, opts ...Option) *Link {
	l := &Link{
		passive: passive,
		ckin:    ckin,
		ckout:   ckout,
		din:     din,
		dout:    dout,
		latency: defaultLatency,
		codec:   DefaultCodec,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Link) role() string {
	if l.passive {
		return "passive"
	}
	return "initiator"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (l *Link) init() {
	l.running = true
	l.indata = 0
	l.inbits = 0
	l.odata = int(syn)
	l.phase = 0
	if l.passive {
		l.dout.Set(0)
		l.ckout.Set(0)
		return
	}
	l.dout.Set(l.odata & 1)
	l.ckout.Set(1)
	l.odata >>= 1
	l.phase = 1
}

// Running reports whether the link task is alive: true from the start of Run
// (including sync acquisition) until Run returns after a bit timeout. A task
// stopped through its Scheduler is never resumed, so Running stays true for
// it; only a bit timeout clears it.
func (l *Link) Running() bool { return l.running }

// SetTimeout changes the per-bit timeout at runtime, taking effect on the
// next bit exchanged. Zero disables the timeout (wait forever). Like
// Send/Get, only safe to call from another task on the same Scheduler.
func (l *Link) SetTimeout(d time.Duration) {
	l.timeout = d
}

// Send marshals v with the configured Codec and queues it for transmission.
func (l *Link) Send(v any) error {
	b, err := l.codec.Marshal(v)
	if err != nil {
		return err
	}
	l.txq = append(l.txq, b)
	return nil
}

// SendString queues a raw string for transmission, bypassing the codec.
func (l *Link) SendString(s string) {
	l.txq = append(l.txq, []byte(s))
}

// Any reports whether a received message is queued.
func (l *Link) Any() bool { return len(l.rxq) > 0 }

// Get pops the oldest received message and unmarshals it into v.
func (l *Link) Get(v any) (bool, error) {
	if !l.Any() {
		return false, nil
	}
	b := l.rxq[0]
	l.rxq = l.rxq[1:]
	return true, l.codec.Unmarshal(b, v)
}

// GetString pops the oldest received message as a raw string.
func (l *Link) GetString() (string, bool) {
	if !l.Any() {
		return "", false
	}
	b := l.rxq[0]
	l.rxq = l.rxq[1:]
	return string(b), true
}

// PollFunc returns a usched.PollFunc suitable for a usched.Poller, letting
// another task wait for received data (PollValue 1) or link death
// (PollValue 2) without spinning on Any()/Running() itself.
func (l *Link) PollFunc() usched.PollFunc {
	return func() (int, bool) {
		if l.running {
			if l.Any() {
				return 1, true
			}
			return 0, false
		}
		return 2, true
	}
}

// Run is the Link's usched.TaskFunc: register it with Scheduler.AddThread to
// bring the link up. It performs the startup handshake (optional reset
// pulse, sync-byte acquisition) then exchanges characters indefinitely,
// cooperatively yielding every latency characters, until a bit timeout
// occurs.
func (l *Link) Run(y usched.Yielder) error {
	l.init()
	y.Yield(nil)

	if l.pinReset != nil {
		if l.log != nil {
			l.log.Debug("syncom", "resetting target", "role", l.role())
		}
		l.pinReset.Set(l.resetState)
		if _, err := y.YieldSeconds(0.1); err != nil {
			return err
		}
		l.pinReset.Set(l.resetState ^ 1)
		if _, err := y.YieldSeconds(1); err != nil {
			return err
		}
	}
	if l.log != nil {
		l.log.Debug("syncom", "awaiting sync", "role", l.role())
	}
	y.Yield(nil)

	for l.indata != int(syn) {
		l.synchronise(y)
	}
	l.rxq = nil
	if l.log != nil {
		l.log.Debug("syncom", "synchronised", "role", l.role())
	}

	defer func() {
		l.running = false
		l.dout.Set(0)
		l.ckout.Set(0)
		if l.log != nil {
			l.log.Debug("syncom", "cleanup", "role", l.role())
		}
	}()

	var sendStr []byte
	sendIdx := -1
	var getStr []byte
	latency := l.latency

	for {
		if sendIdx < 0 && len(l.txq) > 0 {
			sendStr = l.txq[0]
			l.txq = l.txq[1:]
			sendIdx = 0
		}
		if sendIdx >= 0 {
			if sendIdx < len(sendStr) {
				l.odata = int(sendStr[sendIdx])
				sendIdx++
			} else {
				sendIdx = -1
			}
		}
		if sendIdx < 0 {
			l.odata = 0
		}

		var err error
		if l.passive {
			err = l.getBytePassive()
		} else {
			err = l.getByteActive()
		}
		if err != nil {
			if l.log != nil {
				l.log.Warn("syncom", "bit timeout", "role", l.role())
			}
			return err
		}

		if l.indata != 0 {
			getStr = append(getStr, byte(l.indata))
		} else if len(getStr) > 0 {
			l.rxq = append(l.rxq, getStr)
			getStr = nil
		}

		latency--
		if latency <= 0 {
			latency = l.latency
			y.Yield(nil)
		}
	}
}

// synchronise polls for the sync byte cooperatively: every failed check
// yields round-robin, since sync acquisition has no timing deadline and
// must not hog the scheduler while waiting for a peer that may not even be
// powered on yet.
func (l *Link) synchronise(y usched.Yielder) {
	want := l.phase ^ boolToInt(l.passive) ^ 1
	for l.ckin.Get() == want {
		y.Yield(nil)
	}
	l.indata = (l.indata | (l.din.Get() << bitsSyn)) >> 1
	odata := l.odata
	l.dout.Set(odata & 1)
	l.odata = odata >> 1
	l.phase ^= 1
	l.ckout.Set(l.phase)
}

func (l *Link) getByteActive() error {
	inbits := 0
	for i := 0; i < bitsPerCh; i++ {
		b, err := l.getBit(inbits)
		if err != nil {
			return err
		}
		inbits = b
	}
	l.indata = inbits
	return nil
}

func (l *Link) getBytePassive() error {
	b, err := l.getBit(l.inbits)
	if err != nil {
		return err
	}
	l.indata = b
	inbits := 0
	for i := 0; i < bitsPerCh-1; i++ {
		b2, err := l.getBit(inbits)
		if err != nil {
			return err
		}
		inbits = b2
	}
	l.inbits = inbits
	return nil
}

// getBit busy-waits for one clock edge, exchanging one bit in each
// direction. It deliberately does not yield to the scheduler: in steady
// state the two peers are already in lockstep and the wait is expected to
// resolve in microseconds, exactly as tight as the reference firmware's
// equivalent loop. An optional wall-clock deadline is the only way out of a
// wedged link.
func (l *Link) getBit(dest int) (int, error) {
	var deadline time.Time
	if l.timeout > 0 {
		deadline = time.Now().Add(l.timeout)
	}
	want := l.phase ^ boolToInt(l.passive) ^ 1
	for l.ckin.Get() == want {
		if l.timeout > 0 && time.Now().After(deadline) {
			return 0, SynComTimeoutError{Role: l.role()}
		}
	}
	dest = (dest | (l.din.Get() << bitsPerCh)) >> 1
	obyte := l.odata
	l.dout.Set(obyte & 1)
	l.odata = obyte >> 1
	l.phase ^= 1
	l.ckout.Set(l.phase)
	return dest, nil
}
