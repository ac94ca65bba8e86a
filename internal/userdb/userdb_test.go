package userdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	logx "wxbot/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(Config{Path: filepath.Join(t.TempDir(), "subs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestChatLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openTestDB(t)

	if _, err := d.Chat(ctx, "100"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Chat on empty db: %v, want ErrNotFound", err)
	}

	if err := d.UpsertChat(ctx, "100"); err != nil {
		t.Fatalf("UpsertChat: %v", err)
	}
	// Idempotent.
	if err := d.UpsertChat(ctx, "100"); err != nil {
		t.Fatalf("second UpsertChat: %v", err)
	}

	c, err := d.Chat(ctx, "100")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if c.Enabled {
		t.Fatal("new chat must start disabled")
	}

	if err := d.SetEnabled(ctx, "100", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	c, _ = d.Chat(ctx, "100")
	if !c.Enabled {
		t.Fatal("enabled flag not persisted")
	}

	if err := d.SetEnabled(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetEnabled on missing chat: %v, want ErrNotFound", err)
	}
}

func TestAPIKeyPrecondition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openTestDB(t)

	ok, err := d.HasAPIKey(ctx, "100")
	if err != nil || ok {
		t.Fatalf("HasAPIKey for missing chat = (%v, %v)", ok, err)
	}

	if err := d.UpsertChat(ctx, "100"); err != nil {
		t.Fatal(err)
	}
	ok, err = d.HasAPIKey(ctx, "100")
	if err != nil || ok {
		t.Fatalf("HasAPIKey before set = (%v, %v)", ok, err)
	}

	if err := d.SetAPIKey(ctx, "100", "qw-key"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	ok, err = d.HasAPIKey(ctx, "100")
	if err != nil || !ok {
		t.Fatalf("HasAPIKey after set = (%v, %v)", ok, err)
	}
}

func TestLocations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openTestDB(t)

	if err := d.UpsertChat(ctx, "100"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"beijing", "shanghai", "beijing"} {
		if err := d.AddLocation(ctx, "100", name); err != nil {
			t.Fatalf("AddLocation(%s): %v", name, err)
		}
	}

	locs, err := d.Locations(ctx, "100")
	if err != nil {
		t.Fatalf("Locations: %v", err)
	}
	if len(locs) != 2 {
		t.Fatalf("len(locs) = %d, want 2 (duplicates collapse)", len(locs))
	}

	removed, err := d.RemoveLocation(ctx, locs[0].ID)
	if err != nil || !removed {
		t.Fatalf("RemoveLocation = (%v, %v)", removed, err)
	}
	locs, _ = d.Locations(ctx, "100")
	if len(locs) != 1 {
		t.Fatalf("len(locs) after remove = %d, want 1", len(locs))
	}
}

func TestListEnabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openTestDB(t)

	for _, id := range []string{"1", "2", "3"} {
		if err := d.UpsertChat(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.SetEnabled(ctx, "1", true); err != nil {
		t.Fatal(err)
	}
	if err := d.SetEnabled(ctx, "3", true); err != nil {
		t.Fatal(err)
	}

	chats, err := d.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("len(chats) = %d, want 2", len(chats))
	}
	if chats[0].ChatID != "1" || chats[1].ChatID != "3" {
		t.Fatalf("unexpected chats: %+v", chats)
	}
}
