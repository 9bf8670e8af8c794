package client

import (
	"context"
	"strings"
	"testing"
)

func TestDialRequiresIdentityFields(t *testing.T) {
	ctx := context.Background()
	if _, err := Dial(ctx, "127.0.0.1:0", Options{Username: "Alice"}); err == nil || !strings.Contains(err.Error(), "user id") {
		t.Fatalf("expected missing user id error, got %v", err)
	}
	if _, err := Dial(ctx, "127.0.0.1:0", Options{UserID: "alice"}); err == nil || !strings.Contains(err.Error(), "username") {
		t.Fatalf("expected missing username error, got %v", err)
	}
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	opts, err := normalize(Options{UserID: "alice", Username: "Alice", Key: nil})
	if err != nil {
		t.Fatalf("normalize() failed: %v", err)
	}
	if opts.DialTimeout <= 0 || opts.WriteTimeout <= 0 || opts.HeartbeatInterval <= 0 {
		t.Fatalf("timeouts not defaulted: %+v", opts)
	}
	if opts.MaxFrameBytes <= 0 {
		t.Fatal("frame cap not defaulted")
	}
	if opts.Logger == nil {
		t.Fatal("logger not defaulted")
	}
	if opts.Key == nil {
		t.Fatal("identity not generated")
	}
}
