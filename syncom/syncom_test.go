package syncom

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knyete/usched"
)

// wire is a thread-safe loopback usched.Pin: two independent Schedulers,
// each modelling one physical board, poll and drive it concurrently from
// their own goroutines, exactly as two boards would drive a shared trace.
type wire struct {
	mu    sync.Mutex
	level int
}

func (w *wire) Get() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.level
}

func (w *wire) Set(level int) {
	w.mu.Lock()
	w.level = level
	w.mu.Unlock()
}

// capturingLogger records Warn calls so a test can assert on how a task
// terminated without threading a channel through the task body itself.
type capturingLogger struct {
	mu    sync.Mutex
	warns []capturedEntry
}

type capturedEntry struct {
	kind, msg string
	kv        []any
}

func (c *capturingLogger) Debug(string, string, ...any) {}

func (c *capturingLogger) Warn(kind, msg string, kv ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warns = append(c.warns, capturedEntry{kind: kind, msg: msg, kv: kv})
}

func (c *capturingLogger) errs() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []error
	for _, w := range c.warns {
		for i := 0; i+1 < len(w.kv); i += 2 {
			if w.kv[i] == "err" {
				if err, ok := w.kv[i+1].(error); ok {
					out = append(out, err)
				}
			}
		}
	}
	return out
}

func wireUpPair(opts ...Option) (initiator, passive *Link) {
	clkAtoB, clkBtoA := &wire{}, &wire{}
	dataAtoB, dataBtoA := &wire{}, &wire{}
	initiator = New(false, clkBtoA, clkAtoB, dataBtoA, dataAtoB, opts...)
	passive = New(true, clkAtoB, clkBtoA, dataAtoB, dataBtoA)
	return
}

func TestLinkLoopbackSynchronisesAndExchangesAString(t *testing.T) {
	initiator, passive := wireUpPair(WithLatency(1))
	initiator.SendString("hello")

	schedA := usched.NewScheduler()
	schedB := usched.NewScheduler()
	_, err := schedA.AddThread(initiator.Run)
	require.NoError(t, err)
	_, err = schedB.AddThread(passive.Run)
	require.NoError(t, err)

	go schedA.Run()
	go schedB.Run()
	t.Cleanup(func() { schedA.Stop(); schedB.Stop() })

	deadline := time.Now().Add(2 * time.Second)
	for !passive.Any() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the passive side to receive a message")
		}
		time.Sleep(time.Millisecond)
	}
	got, ok := passive.GetString()
	require.True(t, ok)
	assert.Equal(t, "hello", got)
}

func TestLinkTimesOutWhenPeerStopsRespondingAfterSync(t *testing.T) {
	initiator, passive := wireUpPair(WithTimeout(30 * time.Millisecond))

	cl := &capturingLogger{}
	schedA := usched.NewScheduler(usched.WithLogger(cl))
	schedB := usched.NewScheduler()
	_, err := schedA.AddThread(initiator.Run)
	require.NoError(t, err)
	_, err = schedB.AddThread(passive.Run)
	require.NoError(t, err)

	go schedA.Run()
	go schedB.Run()
	t.Cleanup(func() { schedA.Stop() })

	// Let the handshake complete and a little traffic flow, then kill the
	// passive side's scheduler so it stops driving its clock wire.
	time.Sleep(50 * time.Millisecond)
	schedB.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		found := false
		for _, e := range cl.errs() {
			if _, ok := e.(SynComTimeoutError); ok {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initiator never reported a bit timeout after its peer went silent")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	type payload struct {
		A int
		B string
	}
	b, err := DefaultCodec.Marshal(payload{A: 7, B: "x"})
	require.NoError(t, err)

	var got payload
	require.NoError(t, err)
	require.NoError(t, DefaultCodec.Unmarshal(b, &got))
	assert.Equal(t, payload{A: 7, B: "x"}, got)
}
