package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/webview-bridge/pkg/bootstrap"
	"github.com/morezero/webview-bridge/pkg/bridge"
	"github.com/morezero/webview-bridge/pkg/commsutil"
	"github.com/morezero/webview-bridge/pkg/events"
	"github.com/morezero/webview-bridge/pkg/wire"
)

// collectTraffic subscribes to the global traffic subject.
func collectTraffic(t *testing.T, nc *comms.Conn) func() []*events.TrafficEvent {
	t.Helper()
	var (
		mu  sync.Mutex
		got []*events.TrafficEvent
	)
	sub, err := nc.Subscribe(commsutil.SubjectTraffic, func(msg *comms.Msg) {
		var e events.TrafficEvent
		if err := json.Unmarshal(msg.Data, &e); err == nil {
			mu.Lock()
			got = append(got, &e)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	return func() []*events.TrafficEvent {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*events.TrafficEvent, len(got))
		copy(out, got)
		return out
	}
}

func TestE2E_FixturesOverCBOR(t *testing.T) {
	nc, cleanup := startTestServer(t, 14244)
	defer cleanup()

	traffic := collectTraffic(t, nc)
	codec, err := wire.NewCBORCodec()
	require.NoError(t, err)
	host, script, _, _ := startPair(t, nc,
		bridge.Options{Name: "host", Codec: codec, Publisher: events.NewCommsPublisher(nc, nil)},
		bridge.Options{Name: "script", Codec: codec},
	)
	_, err = bootstrap.Register(host, bootstrap.GetDefaultFixtureConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := script.Call(ctx, "ping", wire.Null())
	require.NoError(t, err)
	assert.True(t, wire.String("pong").Equal(got), "got %s", got)

	user := wire.Object(map[string]wire.Value{"id": wire.Int(3)})
	got, err = script.Call(ctx, "getUser", user)
	require.NoError(t, err)
	assert.False(t, got.IsNull())

	_, err = script.Call(ctx, "getUser", wire.Object(map[string]wire.Value{"id": wire.String("three")}))
	require.ErrorIs(t, err, bridge.ErrRejected)
	assert.Contains(t, err.Error(), "INVALID_ARGUMENT")

	_, err = script.Call(ctx, "fail", wire.Null())
	require.ErrorIs(t, err, bridge.ErrRejected)
	assert.Contains(t, err.Error(), "FixtureFailure")

	got, err = script.Call(ctx, "hello", wire.String("alias"))
	require.NoError(t, err)
	assert.True(t, wire.String("alias").Equal(got))

	require.NoError(t, nc.Flush())
	require.Eventually(t, func() bool {
		var calls, replies int
		for _, e := range traffic() {
			if e.Bridge != "host" {
				continue
			}
			switch {
			case e.Kind == events.KindCall && e.Direction == events.DirectionInbound:
				calls++
			case e.Kind == events.KindReply && e.Direction == events.DirectionOutbound:
				replies++
			}
		}
		return calls == 5 && replies == 5
	}, 5*time.Second, 10*time.Millisecond)
}

func TestE2E_ChannelsAreIsolated(t *testing.T) {
	nc, cleanup := startTestServer(t, 14245)
	defer cleanup()

	start := func(channel, answer string) (*bridge.Bridge, *bridge.Bridge) {
		subjects := commsutil.BuildSubjects("test", channel)
		host := bridge.New(bridge.Options{Name: channel + "-host"})
		script := bridge.New(bridge.Options{Name: channel + "-script"})
		host.AddCommand("whoami", func(_ wire.Value, c bridge.Completer) { _ = c.Resolve(wire.String(answer)) })
		hostT := NewComms(nc, subjects, host)
		scriptT := NewComms(nc, subjects.Reverse(), script)
		require.NoError(t, hostT.Start())
		require.NoError(t, scriptT.Start())
		t.Cleanup(func() {
			_ = hostT.Stop()
			_ = scriptT.Stop()
		})
		return host, script
	}
	hostA, scriptA := start("settings", "A")
	hostB, scriptB := start("editor", "B")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := scriptA.Call(ctx, "whoami", wire.Null())
	require.NoError(t, err)
	assert.True(t, wire.String("A").Equal(got))

	got, err = scriptB.Call(ctx, "whoami", wire.Null())
	require.NoError(t, err)
	assert.True(t, wire.String("B").Equal(got))

	assert.Equal(t, 0, hostA.Stats().Pending)
	assert.Equal(t, 0, hostB.Stats().Pending)
}

func TestE2E_LateReplyAfterTimeoutIsStale(t *testing.T) {
	nc, cleanup := startTestServer(t, 14246)
	defer cleanup()

	traffic := collectTraffic(t, nc)
	release := make(chan struct{})
	host, script, _, _ := startPair(t, nc,
		bridge.Options{Name: "host", Publisher: events.NewCommsPublisher(nc, nil)},
		bridge.Options{Name: "script"},
	)
	script.AddCommand("slow", func(_ wire.Value, c bridge.Completer) {
		go func() {
			<-release
			_ = c.Resolve(wire.String("late"))
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := host.Call(ctx, "slow", wire.Null())
	require.ErrorIs(t, err, bridge.ErrRequestTimeout)
	assert.Equal(t, 0, host.Stats().Pending)

	close(release)
	require.Eventually(t, func() bool {
		for _, e := range traffic() {
			if e.Bridge == "host" && e.Kind == events.KindDropped && e.Name == "slow" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
