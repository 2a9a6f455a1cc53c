package model

import (
	"testing"
	"time"
)

func TestSideOf(t *testing.T) {
	cases := map[string]Side{
		"teacher":   SideStaff,
		"admin":     SideStaff,
		"principal": SideStaff,
		"parent":    SideGuardian,
		"guardian":  SideGuardian,
		"student":   SideGuardian,
		"":          SideGuardian,
	}
	for role, expect := range cases {
		if got := SideOf(role); got != expect {
			t.Fatalf("role %q: expected %s, got %s", role, expect, got)
		}
	}
	if SideStaff.Other() != SideGuardian || SideGuardian.Other() != SideStaff {
		t.Fatalf("expected sides to be each other's counterpart")
	}
}

func TestSameID(t *testing.T) {
	if !SameID("11111111-AAAA-1111-1111-111111111111", " 11111111-aaaa-1111-1111-111111111111") {
		t.Fatalf("expected ids to match regardless of case and padding")
	}
	if SameID("", "") {
		t.Fatalf("expected empty ids never to match")
	}
	if !ContainsID([]string{"a", "b"}, "B") {
		t.Fatalf("expected membership lookup to use SameID")
	}
}

func TestParseMessageKind(t *testing.T) {
	if kind, ok := ParseMessageKind(""); !ok || kind != MessageText {
		t.Fatalf("expected empty kind to default to text")
	}
	if kind, ok := ParseMessageKind("IMAGE"); !ok || kind != MessageImage || !kind.HasFile() {
		t.Fatalf("expected image kind with file")
	}
	if _, ok := ParseMessageKind("video"); ok {
		t.Fatalf("expected unknown kind to be rejected")
	}
}

func TestConversationActivityAt(t *testing.T) {
	var c Conversation
	if !c.ActivityAt().IsZero() {
		t.Fatalf("expected zero activity without messages")
	}
	now := time.Now()
	c.LastMessageAt = &now
	if !c.ActivityAt().Equal(now) {
		t.Fatalf("expected activity to follow last message")
	}
}
