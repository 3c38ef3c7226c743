package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/agora/internal/events"
	"github.com/haasonsaas/agora/pkg/models"
)

func newTestCoordinator(current *string) (*Coordinator, *events.Bus, *[]models.SystemEvent) {
	bus := events.NewBus("world-1", func() *string { return current }, nil)
	var seen []models.SystemEvent
	bus.Subscribe(models.ChannelSystem, func(ctx context.Context, e events.Event) {
		seen = append(seen, *e.System)
	})
	return NewCoordinator(bus, time.Second, nil), bus, &seen
}

func TestOptionRequestUserResponse(t *testing.T) {
	chatA := models.ChatRef("chat-a")
	coord, _, seen := newTestCoordinator(chatA)

	resolved, err := coord.RequestOption(context.Background(), models.HITLRequest{
		RequestID: "req-1",
		WorldID:   "world-1",
		Message:   "pick one",
		Options:   []models.HITLOption{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}},
		TimeoutMs: 60_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(*seen) != 1 || (*seen)[0].Kind != models.SystemKindHITLOptionRequest {
		t.Fatalf("expected one hitl-option-request event, got %+v", *seen)
	}
	var emitted models.HITLRequest
	if err := json.Unmarshal((*seen)[0].Data, &emitted); err != nil {
		t.Fatal(err)
	}
	if emitted.RequestID != "req-1" {
		t.Errorf("emitted requestId = %q", emitted.RequestID)
	}

	if err := coord.SubmitOptionResponse("req-1", "b", nil); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-resolved:
		if res.OptionID != "b" || res.Source != models.HITLSourceUser {
			t.Errorf("resolution = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("resolution never arrived")
	}
	if coord.PendingCount() != 0 {
		t.Error("request still pending after resolution")
	}
}

func TestOptionRequestChatScopeEnforced(t *testing.T) {
	chatA := models.ChatRef("chat-a")
	coord, _, _ := newTestCoordinator(chatA)

	resolved, err := coord.RequestOption(context.Background(), models.HITLRequest{
		RequestID: "req-1",
		ChatID:    chatA,
		Message:   "pick",
		Options:   []models.HITLOption{{ID: "a", Label: "A"}},
		TimeoutMs: 60_000,
	})
	if err != nil {
		t.Fatal(err)
	}

	err = coord.SubmitOptionResponse("req-1", "a", models.ChatRef("chat-b"))
	if err == nil {
		t.Fatal("expected chat-scope rejection")
	}
	select {
	case <-resolved:
		t.Fatal("rejected response must not resolve the request")
	case <-time.After(50 * time.Millisecond):
	}

	// The right chat still resolves it.
	if err := coord.SubmitOptionResponse("req-1", "a", chatA); err != nil {
		t.Fatal(err)
	}
	res := <-resolved
	if res.Source != models.HITLSourceUser || res.OptionID != "a" {
		t.Errorf("resolution = %+v", res)
	}
}

func TestOptionRequestTimeoutWithDefault(t *testing.T) {
	coord, _, _ := newTestCoordinator(nil)
	resolved, err := coord.RequestOption(context.Background(), models.HITLRequest{
		Message:         "pick",
		Options:         []models.HITLOption{{ID: "a", Label: "A"}},
		DefaultOptionID: "a",
		TimeoutMs:       20,
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-resolved:
		if res.Source != models.HITLSourceTimeout || res.OptionID != "a" {
			t.Errorf("resolution = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestOptionRequestTimeoutWithoutDefault(t *testing.T) {
	coord, _, _ := newTestCoordinator(nil)
	resolved, err := coord.RequestOption(context.Background(), models.HITLRequest{
		Message:   "pick",
		Options:   []models.HITLOption{{ID: "a", Label: "A"}},
		TimeoutMs: 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	res := <-resolved
	if res.Source != models.HITLSourceTimeout || res.OptionID != "" {
		t.Errorf("resolution = %+v", res)
	}
}

func TestResponseDuringPublishBeatsTimer(t *testing.T) {
	coord, bus, _ := newTestCoordinator(nil)
	// Answer from inside the fan-out: the request settles before
	// RequestOption has armed its timeout timer.
	bus.Subscribe(models.ChannelSystem, func(_ context.Context, e events.Event) {
		if e.System == nil || e.System.Kind != models.SystemKindHITLOptionRequest {
			return
		}
		var req models.HITLRequest
		if err := json.Unmarshal(e.System.Data, &req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if err := coord.SubmitOptionResponse(req.RequestID, "a", nil); err != nil {
			t.Errorf("submit during publish: %v", err)
		}
	})

	resolved, err := coord.RequestOption(context.Background(), models.HITLRequest{
		Message:   "pick",
		Options:   []models.HITLOption{{ID: "a", Label: "A"}},
		TimeoutMs: 30,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, ok := <-resolved
	if !ok {
		t.Fatal("resolution channel closed without a value")
	}
	if res.Source != models.HITLSourceUser || res.OptionID != "a" {
		t.Errorf("resolution = %+v", res)
	}
	if coord.PendingCount() != 0 {
		t.Error("request still pending after resolution")
	}

	// Let the timeout window lapse: the late-armed timer must have been
	// stopped, not left to fire against a settled request.
	time.Sleep(60 * time.Millisecond)
	if _, again := <-resolved; again {
		t.Error("timer fired after the user response")
	}
}

func TestUnknownRequestResponse(t *testing.T) {
	coord, _, _ := newTestCoordinator(nil)
	if err := coord.SubmitOptionResponse("ghost", "a", nil); err != ErrUnknownRequest {
		t.Errorf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestCancelAll(t *testing.T) {
	coord, _, _ := newTestCoordinator(nil)
	resolved, err := coord.RequestOption(context.Background(), models.HITLRequest{
		Message:   "pick",
		Options:   []models.HITLOption{{ID: "a", Label: "A"}},
		TimeoutMs: 60_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	coord.CancelAll()
	res := <-resolved
	if res.Source != models.HITLSourceCancel {
		t.Errorf("resolution = %+v", res)
	}
}
