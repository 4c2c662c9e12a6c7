package usched

import (
	"io"
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the passive diagnostic sink the scheduler and SynCom write to.
// It never feeds decisions back into either: per the scheduling contract, a
// Logger implementation that panics or blocks is the caller's problem, not
// the scheduler's. A nil Logger disables logging entirely.
type Logger interface {
	// Debug records a low-severity diagnostic (pause/resume/kill,
	// sync-acquisition progress). kind groups repeats for rate limiting;
	// kv is an alternating key/value field list.
	Debug(kind, msg string, kv ...any)
	// Warn records a diagnostic worth surfacing by default (registration
	// failure, SynCom timeout).
	Warn(kind, msg string, kv ...any)
}

// StumpyLogger is the default Logger: structured JSON lines via
// github.com/joeycumines/logiface and its reference implementation
// github.com/joeycumines/stumpy, with repeated diagnostics of the same kind
// throttled by github.com/joeycumines/go-catrate so an interrupt storm or a
// wedged SynCom link cannot turn logging into a livelock of its own.
type StumpyLogger struct {
	log   *logiface.Logger[*stumpy.Event]
	limit *catrate.Limiter
}

// NewStumpyLogger builds a StumpyLogger writing JSON lines to w (os.Stderr
// if w is nil). If window and burst are both positive, at most burst
// messages of any one diagnostic kind are emitted per window; otherwise
// every call logs.
func NewStumpyLogger(w io.Writer, window time.Duration, burst int) *StumpyLogger {
	if w == nil {
		w = os.Stderr
	}
	l := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
	)
	sl := &StumpyLogger{log: l}
	if window > 0 && burst > 0 {
		sl.limit = catrate.NewLimiter(map[time.Duration]int{window: burst})
	}
	return sl
}

func (l *StumpyLogger) allow(kind string) bool {
	if l.limit == nil {
		return true
	}
	_, ok := l.limit.Allow(kind)
	return ok
}

func addFields(b *logiface.Builder[*stumpy.Event], kv []any) *logiface.Builder[*stumpy.Event] {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		b = b.Any(key, kv[i+1])
	}
	return b
}

// Debug implements Logger.
func (l *StumpyLogger) Debug(kind, msg string, kv ...any) {
	if !l.allow(kind) {
		return
	}
	addFields(l.log.Debug(), kv).Log(msg)
}

// Warn implements Logger.
func (l *StumpyLogger) Warn(kind, msg string, kv ...any) {
	if !l.allow(kind) {
		return
	}
	addFields(l.log.Warning(), kv).Log(msg)
}
