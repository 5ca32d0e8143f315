package transport

import (
	"context"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/webview-bridge/pkg/bridge"
	"github.com/morezero/webview-bridge/pkg/commsutil"
	"github.com/morezero/webview-bridge/pkg/wire"
)

// startTestServer starts an in-process NATS server for testing.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err, "transport:comms_test - failed to create server")

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("transport:comms_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("transport:comms_test - failed to connect: %v", err)
	}

	return nc, func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}
}

func startPair(t *testing.T, nc *comms.Conn, hostOpts, scriptOpts bridge.Options) (*bridge.Bridge, *bridge.Bridge, *Comms, *Comms) {
	t.Helper()

	subjects := commsutil.BuildSubjects("test", "view")
	host := bridge.New(hostOpts)
	script := bridge.New(scriptOpts)
	hostT := NewComms(nc, subjects, host)
	scriptT := NewComms(nc, subjects.Reverse(), script)
	require.NoError(t, hostT.Start())
	require.NoError(t, scriptT.Start())
	t.Cleanup(func() {
		_ = hostT.Stop()
		_ = scriptT.Stop()
	})
	return host, script, hostT, scriptT
}

func TestComms_CallRoundTrip(t *testing.T) {
	nc, cleanup := startTestServer(t, 14240)
	defer cleanup()

	host, script, _, _ := startPair(t, nc, bridge.Options{Name: "host"}, bridge.Options{Name: "script"})
	script.AddCommand("echo", func(data wire.Value, c bridge.Completer) { _ = c.Resolve(data) })
	host.AddCommand("title", func(_ wire.Value, c bridge.Completer) { _ = c.Resolve(wire.String("Settings")) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := wire.Object(map[string]wire.Value{"n": wire.Int(7), "tags": wire.Array(wire.String("a"))})
	got, err := host.Call(ctx, "echo", payload)
	require.NoError(t, err)
	assert.True(t, payload.Equal(got), "got %s", got)

	got, err = script.Call(ctx, "title", wire.Null())
	require.NoError(t, err)
	assert.True(t, wire.String("Settings").Equal(got))

	_, err = host.Call(ctx, "missing", wire.Null())
	require.ErrorIs(t, err, bridge.ErrRejected)
}

func TestComms_Handshake(t *testing.T) {
	nc, cleanup := startTestServer(t, 14241)
	defer cleanup()

	ready := make(chan struct{}, 1)
	host, script, _, _ := startPair(t, nc,
		bridge.Options{Name: "host", WaitForReady: true},
		bridge.Options{Name: "script", WaitForReady: true, OnReady: func() { ready <- struct{}{} }},
	)

	done := make(chan error, 1)
	host.Handshake(func(_ wire.Value, err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("transport:comms_test - timeout waiting for handshake")
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("transport:comms_test - script never saw the ACK")
	}
	assert.True(t, host.IsReady())
	assert.True(t, script.IsReady())
}

func TestComms_StopDetaches(t *testing.T) {
	nc, cleanup := startTestServer(t, 14242)
	defer cleanup()

	host, _, hostT, _ := startPair(t, nc, bridge.Options{Name: "host"}, bridge.Options{Name: "script", Policy: bridge.PolicyRaiseFault, OnFault: func(error) {}})

	host.SendMessage("missing", wire.Null(), func(wire.Value, error) {})
	require.NoError(t, nc.Flush())
	assert.Equal(t, 1, host.Stats().Pending)

	require.NoError(t, hostT.Stop())
	assert.False(t, host.Stats().Attached)
	assert.Equal(t, 0, host.Stats().Pending)
	require.NoError(t, hostT.Stop(), "stopping twice is a no-op")
}

func TestComms_StartTwice(t *testing.T) {
	nc, cleanup := startTestServer(t, 14243)
	defer cleanup()

	b := bridge.New(bridge.Options{Name: "host"})
	tr := NewComms(nc, commsutil.BuildSubjects("test", "twice"), b)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	assert.Error(t, tr.Start())
	assert.True(t, b.Stats().Attached)
	assert.Equal(t, "test.twice.host", tr.Subjects().Inbound)
}
