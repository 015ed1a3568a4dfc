package context

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), " req-1 ")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), "")); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
}

func TestActorFromContext(t *testing.T) {
	kind, id := ActorFromContext(context.Background())
	if kind != "" || id != "" {
		t.Fatalf("expected no actor, got %q/%q", kind, id)
	}
	kind, id = ActorFromContext(WithActor(context.Background(), "system", "scheduler"))
	if kind != "system" || id != "scheduler" {
		t.Fatalf("unexpected actor %q/%q", kind, id)
	}
}
