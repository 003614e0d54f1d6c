package storage

import (
	"context"
	"reflect"
	"testing"
)

// exerciseStore checks the Store contract shared by every backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.LatestCheckpoint(ctx, "run-1"); err != nil || ok {
		t.Fatalf("empty store latest: ok=%t err=%v", ok, err)
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := store.SaveCheckpoint(ctx, sampleCheckpoint(id, "run-1")); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := store.SaveCheckpoint(ctx, sampleCheckpoint("other", "run-2")); err != nil {
		t.Fatalf("save other run: %v", err)
	}

	updated := sampleCheckpoint("c2", "run-1")
	updated.Statistics.Attempted = 99
	if err := store.SaveCheckpoint(ctx, updated); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, ok, err := store.GetCheckpoint(ctx, "c2")
	if err != nil || !ok {
		t.Fatalf("get: ok=%t err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, updated) {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
	if _, ok, err := store.GetCheckpoint(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing checkpoint: ok=%t err=%v", ok, err)
	}

	latest, ok, err := store.LatestCheckpoint(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%t err=%v", ok, err)
	}
	if latest.ID != "c3" {
		t.Fatalf("expected c3 as latest, got %s", latest.ID)
	}

	summaries, err := store.ListCheckpoints(ctx, "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 3 || summaries[0].ID != "c1" || summaries[1].ID != "c2" || summaries[2].ID != "c3" {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
	if summaries[1].Statistics.Attempted != 99 || summaries[1].Stage != "slow_gain" {
		t.Fatalf("summary should reflect the overwrite: %+v", summaries[1])
	}
	if err := store.SaveCheckpoint(ctx, sampleCheckpoint("", "run-1")); err == nil {
		t.Fatal("expected id validation error")
	}
}
