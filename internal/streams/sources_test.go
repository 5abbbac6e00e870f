package streams

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/moby/moby/api/types/events"
)

func TestSelfPolicyMatchContainer(t *testing.T) {
	p := SelfPolicy{Enabled: true, Label: SelfLabel, Name: "harbormaster"}

	if !p.MatchContainer("/web-1", map[string]string{SelfLabel: "true"}) {
		t.Error("labelled container not matched")
	}
	if !p.MatchContainer("/harbormaster", nil) {
		t.Error("name match (with leading slash) failed")
	}
	if p.MatchContainer("/web-1", map[string]string{"other": "true"}) {
		t.Error("unrelated container matched")
	}

	off := SelfPolicy{Enabled: false, Label: SelfLabel, Name: "harbormaster"}
	if off.MatchContainer("/harbormaster", map[string]string{SelfLabel: "true"}) {
		t.Error("disabled policy must match nothing")
	}
}

func TestSelfPolicyMatchFrame(t *testing.T) {
	p := SelfPolicy{Enabled: true}

	own := []byte(`{"time":"2026-08-25T10:00:00Z","level":"INFO","msg":"request","service":"harbormaster"}`)
	if !p.MatchFrame(own) {
		t.Error("own JSON log line not matched")
	}
	if !p.MatchFrame([]byte(`time=2026-08-25T10:00:00Z level=INFO msg=request service=harbormaster`)) {
		t.Error("own text log line not matched")
	}
	if p.MatchFrame([]byte("plain application output")) {
		t.Error("foreign line matched")
	}
	if (SelfPolicy{}).MatchFrame(own) {
		t.Error("disabled policy must match nothing")
	}
}

func TestFilterSourceDropsMatchedFrames(t *testing.T) {
	p := SelfPolicy{Enabled: true}
	pump := &pumpSource{frames: make(chan []byte, 3)}
	pump.frames <- []byte(`{"msg":"a","service":"harbormaster"}`)
	pump.frames <- []byte("app line")
	close(pump.frames)

	var got []string
	src := FilterSource(pump, p.MatchFrame)
	if err := src.Run(context.Background(), func(data []byte) {
		got = append(got, string(data))
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 1 || got[0] != "app line" {
		t.Fatalf("frames = %q, want only the app line", got)
	}
}

func TestEventsSourceSkipsOwnContainers(t *testing.T) {
	msgs := make(chan events.Message, 2)
	errs := make(chan error)
	msgs <- events.Message{
		Action: "start",
		Actor:  events.Actor{ID: "self", Attributes: map[string]string{SelfLabel: "true"}},
	}
	msgs <- events.Message{
		Action: "start",
		Actor:  events.Actor{ID: "other"},
	}
	close(msgs)

	src := EventsSource(func(context.Context) (<-chan events.Message, <-chan error) {
		return msgs, errs
	}, SelfPolicy{Enabled: true, Label: SelfLabel})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []events.Message
	if err := src.Run(ctx, func(data []byte) {
		var m events.Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, m)
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 1 || got[0].Actor.ID != "other" {
		t.Fatalf("events = %+v, want only the foreign container", got)
	}
}
