package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var ctx = context.Background()

func TestRecorder_PublishAndStream(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(&buf)

	ev := Event{Type: TypeModeChanged, Time: time.Unix(0, 0).UTC(), Payload: "RECORD"}
	if err := r.Publish(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := r.Publish(ctx, Event{Type: TypeScrapeStatus}); err != nil {
		t.Fatal(err)
	}

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("streamed %d lines, want 2", len(lines))
	}
	var got Event
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeModeChanged || got.Payload != "RECORD" {
		t.Errorf("first event = %+v", got)
	}
}

func TestRecorder_ExportFile(t *testing.T) {
	r := NewRecorder(nil)
	_ = r.Publish(ctx, Event{Type: TypeCaptureFinalized, Key: "https://x/"})

	path := filepath.Join(t.TempDir(), "events.json")
	if err := r.ExportFile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out []Event
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Key != "https://x/" {
		t.Errorf("exported = %+v", out)
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("down") }
func (failingPublisher) Close() error                         { return nil }

func TestMulti_DeliversToAll(t *testing.T) {
	a, b := NewRecorder(nil), NewRecorder(nil)
	m := Multi{a, failingPublisher{}, b}

	if err := m.Publish(ctx, Event{Type: TypeScrapeStatus}); err == nil {
		t.Error("expected error from failing publisher")
	}
	if a.Len() != 1 || b.Len() != 1 {
		t.Errorf("recorders got %d and %d events, want 1 each", a.Len(), b.Len())
	}
}

func TestNew_DisabledIsNop(t *testing.T) {
	p, err := New(KafkaConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(Nop); !ok {
		t.Errorf("New(disabled) = %T, want Nop", p)
	}
	if _, err := New(KafkaConfig{Enabled: true}); err == nil {
		t.Error("expected error without brokers")
	}
}

func TestEncodeMessage(t *testing.T) {
	msg, err := encodeMessage(Event{Type: TypeCaptureAborted, Payload: Capture{URL: "https://x/a", Method: "GET"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != TypeCaptureAborted {
		t.Errorf("Key = %q, want event type when no key is set", msg.Key)
	}
	if !bytes.Contains(msg.Value, []byte(`"url":"https://x/a"`)) {
		t.Errorf("Value = %s", msg.Value)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != TypeCaptureAborted {
		t.Errorf("Headers = %+v", msg.Headers)
	}
}
