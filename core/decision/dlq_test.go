package decision

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newDLQStore(t *testing.T) *DLQStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewDLQStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("dlq store init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDLQAddAndList(t *testing.T) {
	store := newDLQStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, DLQEntry{OrgID: "acme", Tool: "email.send", Reason: "schema mismatch"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	list, err := store.List(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Reason != "schema mismatch" {
		t.Fatalf("unexpected list: %+v", list)
	}

	other, err := store.List(ctx, "globex", 10)
	if err != nil {
		t.Fatalf("list other org: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("dlq entries must be org-scoped: %+v", other)
	}
}

func TestDLQValidation(t *testing.T) {
	store := newDLQStore(t)
	ctx := context.Background()
	if _, err := store.Add(ctx, DLQEntry{Reason: "x"}); err == nil {
		t.Fatal("expected error for missing org")
	}
	if _, err := store.Add(ctx, DLQEntry{OrgID: "acme"}); err == nil {
		t.Fatal("expected error for missing reason")
	}
}
