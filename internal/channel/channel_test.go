package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/MEKXH/ccapproval/internal/approval"
	"github.com/MEKXH/ccapproval/internal/notify"
)

func TestBaseChannel_IsAllowed(t *testing.T) {
	ch := &BaseChannel{AllowList: map[string]bool{"u1": true}}

	if ch.IsAllowed("u1") != true {
		t.Fatalf("expected u1 allowed")
	}
	if ch.IsAllowed("u2") != false {
		t.Fatalf("expected u2 denied")
	}
}

func TestBaseChannel_IsAllowed_CompoundSenderAndUsername(t *testing.T) {
	ch := &BaseChannel{AllowList: map[string]bool{"123456": true, "@alice": true}}

	if !ch.IsAllowed("123456|alice") {
		t.Fatal("expected sender allowed by id in compound sender string")
	}
	if !ch.IsAllowed("999999|alice") {
		t.Fatal("expected sender allowed by username with @ prefix")
	}
}

func TestBaseChannel_EmptyAllowListAllowsEveryone(t *testing.T) {
	ch := &BaseChannel{AllowList: NewAllowList([]string{" ", ""})}
	if !ch.IsAllowed("anyone") {
		t.Fatal("expected empty allow list to allow everyone")
	}
}

func TestBaseChannel_Dispatch(t *testing.T) {
	ch := &BaseChannel{AllowList: NewAllowList([]string{"U1"})}

	var got []approval.DecisionEvent
	ch.SetDecisionHandler(func(_ context.Context, ev approval.DecisionEvent) error {
		got = append(got, ev)
		if len(got) > 1 {
			return approval.ErrAlreadyDecided
		}
		return nil
	})

	ev := approval.DecisionEvent{Outcome: notify.OutcomeApprove, ApprovalID: "a1", UserID: "U1"}
	if err := ch.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if err := ch.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("stale decision should be swallowed, got %v", err)
	}

	ev.UserID = "U2"
	if err := ch.Dispatch(context.Background(), ev); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 handled events, got %d", len(got))
	}
}

func TestBaseChannel_DispatchWithoutHandler(t *testing.T) {
	ch := &BaseChannel{}
	if err := ch.Dispatch(context.Background(), approval.DecisionEvent{UserID: "U1"}); err == nil {
		t.Fatal("expected error without handler")
	}
}
