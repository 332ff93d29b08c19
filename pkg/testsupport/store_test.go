package testsupport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecordingStore_RecordsWrites(t *testing.T) {
	ctx := context.Background()
	store := NewRecordingStore()

	if err := store.Put(ctx, "a", 1, time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "b", 2, 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Forever(ctx, "c", 3); err != nil {
		t.Fatalf("Forever() error = %v", err)
	}

	writes := store.Writes()
	if len(writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(writes))
	}
	if writes[0].Kind != OpPut || writes[0].TTL != time.Minute {
		t.Errorf("unexpected first write %+v", writes[0])
	}
	if writes[1].Kind != OpForever || writes[2].Kind != OpForever {
		t.Errorf("expected forever writes, got %+v and %+v", writes[1], writes[2])
	}

	v, ok, err := store.Get(ctx, "a")
	if err != nil || !ok || v != 1 {
		t.Errorf("Get() = %v, %v, %v", v, ok, err)
	}
}

func TestRecordingStore_TagsAndFlush(t *testing.T) {
	ctx := context.Background()
	store := NewRecordingStore()

	if err := store.Tags("users").Put(ctx, "u:1", "ada", time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "other", "x", time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.FlushTags(ctx, "users"); err != nil {
		t.Fatalf("FlushTags() error = %v", err)
	}

	keys := store.Keys()
	if len(keys) != 1 || keys[0] != "other" {
		t.Errorf("Keys() = %v, want [other]", keys)
	}
}

func TestRecordingStore_FailPut(t *testing.T) {
	store := NewRecordingStore()
	store.FailPut = errors.New("down")

	if err := store.Put(context.Background(), "k", 1, time.Second); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := store.Value("k"); ok {
		t.Error("failed put must not store the value")
	}
}

func TestRememberingStore_CountsAcrossTagViews(t *testing.T) {
	ctx := context.Background()
	store := NewRememberingStore(NewRecordingStore())
	calls := 0
	compute := func(context.Context) (any, error) {
		calls++
		return "v", nil
	}

	view := store.Tags("t").(*RememberingStore)
	for i := 0; i < 2; i++ {
		v, err := view.Remember(ctx, "k", time.Minute, compute)
		if err != nil || v != "v" {
			t.Fatalf("Remember() = %v, %v", v, err)
		}
	}

	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}
	if store.Remembers() != 2 {
		t.Errorf("Remembers() = %d, want 2", store.Remembers())
	}
}
