package httpapi

import (
	"context"
	"testing"
	"time"
)

func TestJoinContexts_CancelsWhenEitherDone(t *testing.T) {
	a, ac := context.WithCancel(context.Background())
	b, bc := context.WithCancel(context.Background())
	defer bc()
	j, cancelJ := joinContexts(a, b)
	defer cancelJ()
	ac()
	select {
	case <-j.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("joined context did not cancel when first parent canceled")
	}
}

func TestJoinContexts_SecondParentAlsoCancels(t *testing.T) {
	a, ac := context.WithCancel(context.Background())
	defer ac()
	b, bc := context.WithCancel(context.Background())
	j, cancelJ := joinContexts(a, b)
	defer cancelJ()
	bc()
	select {
	case <-j.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("joined context did not cancel when second parent canceled")
	}
}

func TestSetBaseContext_NilResetsToBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	SetBaseContext(ctx)
	cancel()
	// nolint:staticcheck // SA1012: intentionally passes nil to verify fallback behavior
	SetBaseContext(nil)
	if serverBaseCtx.Err() != nil {
		t.Fatal("base context still canceled after reset")
	}
}
