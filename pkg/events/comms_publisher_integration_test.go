package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

// startTestServer starts an in-process NATS server for testing.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("events:comms_publisher_integration_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("events:comms_publisher_integration_test - failed to connect: %v", err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return nc, cleanup
}

func subscribeEvents(t *testing.T, nc *comms.Conn, subject string) (chan *TrafficEvent, func()) {
	t.Helper()
	received := make(chan *TrafficEvent, 4)
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var event TrafficEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
			return
		}
		received <- &event
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	return received, func() { _ = sub.Unsubscribe() }
}

func waitEvent(t *testing.T, ch chan *TrafficEvent, what string) *TrafficEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(5 * time.Second):
		t.Fatalf("events:comms_publisher_integration_test - timeout waiting for %s event", what)
		return nil
	}
}

func TestCommsPublisher_PublishTraffic_GranularSubject(t *testing.T) {
	nc, cleanup := startTestServer(t, 14230)
	defer cleanup()

	publisher := NewCommsPublisher(nc, nil)
	received, unsub := subscribeEvents(t, nc, "bridge.traffic.main.call")
	defer unsub()

	event := &TrafficEvent{
		Bridge:    "main",
		Direction: DirectionOutbound,
		Kind:      KindCall,
		Name:      "echo",
		CallID:    "call-1",
		Timestamp: "2025-01-01T00:00:00Z",
	}
	if err := publisher.PublishTraffic(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishTraffic failed: %v", err)
	}
	nc.Flush()

	got := waitEvent(t, received, "granular")
	if got.Name != "echo" {
		t.Errorf("events:comms_publisher_integration_test - Name = %q, want %q", got.Name, "echo")
	}
	if got.CallID != "call-1" {
		t.Errorf("events:comms_publisher_integration_test - CallID = %q, want %q", got.CallID, "call-1")
	}
	if got.Direction != DirectionOutbound {
		t.Errorf("events:comms_publisher_integration_test - Direction = %q, want %q", got.Direction, DirectionOutbound)
	}
}

func TestCommsPublisher_PublishTraffic_BothSubjects(t *testing.T) {
	nc, cleanup := startTestServer(t, 14231)
	defer cleanup()

	publisher := NewCommsPublisher(nc, nil)
	granular, unsub1 := subscribeEvents(t, nc, "bridge.traffic.main.dropped")
	defer unsub1()
	global, unsub2 := subscribeEvents(t, nc, "bridge.traffic")
	defer unsub2()

	event := &TrafficEvent{
		Bridge:    "main",
		Direction: DirectionInbound,
		Kind:      KindDropped,
		Reason:    "STALE_REPLY",
		Timestamp: "2025-01-01T00:00:00Z",
	}
	if err := publisher.PublishTraffic(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishTraffic failed: %v", err)
	}
	nc.Flush()

	if got := waitEvent(t, granular, "granular"); got.Reason != "STALE_REPLY" {
		t.Errorf("events:comms_publisher_integration_test - Reason = %q, want %q", got.Reason, "STALE_REPLY")
	}
	if got := waitEvent(t, global, "global"); got.Kind != KindDropped {
		t.Errorf("events:comms_publisher_integration_test - Kind = %q, want %q", got.Kind, KindDropped)
	}
}

func TestCommsPublisher_CustomGlobalSubject(t *testing.T) {
	nc, cleanup := startTestServer(t, 14232)
	defer cleanup()

	customSubject := "audit.bridge"
	publisher := NewCommsPublisher(nc, &CommsPublisherOpts{GlobalSubject: customSubject})

	global, unsub1 := subscribeEvents(t, nc, customSubject)
	defer unsub1()
	granular, unsub2 := subscribeEvents(t, nc, "audit.bridge.main.fault")
	defer unsub2()

	event := &TrafficEvent{Bridge: "main", Kind: KindFault, Timestamp: "2025-01-01T00:00:00Z"}
	if err := publisher.PublishTraffic(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishTraffic failed: %v", err)
	}
	nc.Flush()

	waitEvent(t, global, "custom global")
	waitEvent(t, granular, "custom granular")
}

func TestNewCommsPublisher_Defaults(t *testing.T) {
	nc, cleanup := startTestServer(t, 14233)
	defer cleanup()

	for name, opts := range map[string]*CommsPublisherOpts{
		"nil opts":      nil,
		"empty subject": {GlobalSubject: ""},
	} {
		publisher := NewCommsPublisher(nc, opts)
		if publisher.globalSubject != "bridge.traffic" {
			t.Errorf("events:comms_publisher_integration_test - %s: globalSubject = %q, want %q",
				name, publisher.globalSubject, "bridge.traffic")
		}
	}
}
