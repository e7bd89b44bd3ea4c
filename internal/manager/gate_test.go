package manager

import (
	"context"
	"testing"
	"time"

	"mlxd/internal/tier"
)

func TestBeginGenerationRejectsWhenTaken(t *testing.T) {
	m := newTestEnv(t, tier.Standard).m

	release, err := m.beginGeneration("m1")
	if err != nil {
		t.Fatalf("first beginGeneration: %v", err)
	}
	if _, err := m.beginGeneration("m2"); !IsBusy(err) {
		t.Fatalf("second beginGeneration err = %v, want busy", err)
	}
	release()
	release2, err := m.beginGeneration("m2")
	if err != nil {
		t.Fatalf("beginGeneration after release: %v", err)
	}
	release2()
}

func TestBusyErrorNamesModel(t *testing.T) {
	err := busyError{modelID: "qwen-test"}
	if got := err.Error(); got != "generation already in flight: qwen-test" {
		t.Fatalf("Error() = %q", got)
	}
	if !IsBusy(err) {
		t.Fatal("IsBusy(busyError) = false")
	}
	if IsBusy(context.Canceled) {
		t.Fatal("IsBusy(context.Canceled) = true")
	}
}

func TestBeginOpWaitsForSlot(t *testing.T) {
	m := newTestEnv(t, tier.Standard).m

	release, err := m.beginGeneration("m1")
	if err != nil {
		t.Fatalf("beginGeneration: %v", err)
	}
	acquired := make(chan error, 1)
	go func() {
		r, err := m.beginOp(context.Background())
		if err == nil {
			r()
		}
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("beginOp returned %v while slot was taken", err)
	case <-time.After(30 * time.Millisecond):
	}
	release()
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("beginOp after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("beginOp never acquired the freed slot")
	}
}

func TestBeginOpHonorsContext(t *testing.T) {
	m := newTestEnv(t, tier.Standard).m

	release, err := m.beginGeneration("m1")
	if err != nil {
		t.Fatalf("beginGeneration: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.beginOp(ctx); err == nil {
		t.Fatal("beginOp succeeded on a taken slot with an expiring context")
	}

	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if _, err := m.beginOp(canceled); err == nil {
		t.Fatal("beginOp succeeded with a canceled context")
	}
}
