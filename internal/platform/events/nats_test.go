package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// startTestServer starts an in-process NATS server on port.
func startTestServer(t *testing.T, port int) (*nats.Conn, func()) {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("failed to create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server failed to start")
	}

	nc, err := Connect(ns.ClientURL(), "cdshooks-test", zerolog.Nop())
	if err != nil {
		ns.Shutdown()
		t.Fatalf("failed to connect: %v", err)
	}

	return nc, func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	nc, cleanup := startTestServer(t, 14330)
	defer cleanup()

	received := make(chan map[string]string, 1)
	sub, err := nc.Subscribe("cdshook.response.>", func(msg *nats.Msg) {
		var payload map[string]string
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			t.Errorf("failed to unmarshal: %v", err)
			return
		}
		payload["subject"] = msg.Subject
		received <- payload
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	p := NewNATSPublisher(nc, "", zerolog.Nop())
	if err := p.Publish(context.Background(), "cdshook.response.patient-view.svc_1", map[string]string{"serviceId": "svc.1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	nc.Flush()

	select {
	case got := <-received:
		if got["subject"] != "cdshook.response.patient-view.svc_1" {
			t.Errorf("subject = %q", got["subject"])
		}
		if got["serviceId"] != "svc.1" {
			t.Errorf("serviceId = %q, want svc.1", got["serviceId"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNATSPublisher_Prefix(t *testing.T) {
	nc, cleanup := startTestServer(t, 14331)
	defer cleanup()

	p := NewNATSPublisher(nc, "ehr", zerolog.Nop())
	if got := p.Subject("cdshook.trigger.order-select"); got != "ehr.cdshook.trigger.order-select" {
		t.Fatalf("Subject = %q", got)
	}

	received := make(chan string, 1)
	sub, err := nc.Subscribe("ehr.cdshook.trigger.*", func(msg *nats.Msg) {
		received <- msg.Subject
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := p.Publish(context.Background(), "cdshook.trigger.order-select", struct{}{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	nc.Flush()

	select {
	case subject := <-received:
		if subject != "ehr.cdshook.trigger.order-select" {
			t.Errorf("subject = %q", subject)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for prefixed event")
	}
}

func TestNATSPublisher_UnencodablePayload(t *testing.T) {
	nc, cleanup := startTestServer(t, 14332)
	defer cleanup()

	p := NewNATSPublisher(nc, "", zerolog.Nop())
	if err := p.Publish(context.Background(), "x", make(chan int)); err == nil {
		t.Fatal("expected encode error")
	}
}
