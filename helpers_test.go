package replicant

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func testBridgeConfig(emitter string, sink metrics.MetricSink) bridgeConfig {
	return bridgeConfig{
		logger: slog.New(testLogHandler(emitter)),
		msink:  sink,
	}
}

type testNode struct {
	*Node
	sink *metrics.InmemSink
}

func newTestNode(t *testing.T, role Role, opts ...Option) *testNode {
	t.Helper()
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	identity := NewIdentity(string(role))
	opts = append([]Option{
		WithLog(testLogHandler(string(role) + "/" + identity.ID.String()[:8])),
		WithMetricSink(sink),
		WithPingInterval(100 * time.Millisecond),
	}, opts...)
	node, err := NewNode(identity, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = node.Shutdown()
	})
	return &testNode{Node: node, sink: sink}
}

func tickAll(t *testing.T, nodes ...*testNode) {
	t.Helper()
	now := time.Now()
	for _, n := range nodes {
		require.NoError(t, n.Tick(now))
	}
}

// converge ticks every node until cond holds.
func converge(t *testing.T, cond func() bool, nodes ...*testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		tickAll(t, nodes...)
		return cond()
	}, 5*time.Second, 10*time.Millisecond)
}

// settle ticks every node for d, letting in-flight messages land.
func settle(t *testing.T, d time.Duration, nodes ...*testNode) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		tickAll(t, nodes...)
		time.Sleep(5 * time.Millisecond)
	}
}

// counter sums every counter named prefix, whatever its labels, over the
// retained intervals.
func counter(sink *metrics.InmemSink, name []string, labels ...metrics.Label) float64 {
	prefix := strings.Join(name, ".")
	var sum float64
	for _, interval := range sink.Data() {
		interval.RLock()
		for key, value := range interval.Counters {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if !hasLabels(value.Labels, labels) {
				continue
			}
			sum += value.Sum
		}
		interval.RUnlock()
	}
	return sum
}

func hasLabels(have []metrics.Label, want []metrics.Label) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func mustEnvelope[T any](t *testing.T, msg Message[T]) Envelope {
	t.Helper()
	env, err := msg.Envelope()
	require.NoError(t, err)
	return env
}
