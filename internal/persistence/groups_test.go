package persistence

import (
	"context"
	"testing"
)

func TestCreateAndGetGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g := Group{
		Folder: "acme", Name: "Acme Corp", ChatJID: "120@g.us",
		TriggerPrefix: "!", RequiresTrigger: true,
		AdditionalMounts: []string{"/data/acme"}, TimeoutMs: 5000,
	}
	if err := s.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	got, err := s.GetGroupByFolder(ctx, "acme")
	if err != nil {
		t.Fatalf("GetGroupByFolder: %v", err)
	}
	if got.Name != "Acme Corp" || got.ChatJID != "120@g.us" {
		t.Fatalf("got %+v", got)
	}
	if len(got.AdditionalMounts) != 1 || got.AdditionalMounts[0] != "/data/acme" {
		t.Fatalf("AdditionalMounts = %v, want [/data/acme]", got.AdditionalMounts)
	}
	if !got.RequiresTrigger {
		t.Error("RequiresTrigger should be true")
	}
}

func TestGetGroupByChatJID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateGroup(ctx, Group{Folder: "main", Name: "Main", ChatJID: "jid-main", IsMain: true}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	got, err := s.GetGroupByChatJID(ctx, "jid-main")
	if err != nil {
		t.Fatalf("GetGroupByChatJID: %v", err)
	}
	if got.Folder != "main" {
		t.Errorf("Folder = %q, want main", got.Folder)
	}
}

func TestUpdateGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateGroup(ctx, Group{Folder: "acme", Name: "Acme", ChatJID: "jid-1"}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	if err := s.UpdateGroup(ctx, Group{Folder: "acme", Name: "Acme Renamed", ChatJID: "jid-2", TimeoutMs: 9000}); err != nil {
		t.Fatalf("UpdateGroup: %v", err)
	}

	got, err := s.GetGroupByFolder(ctx, "acme")
	if err != nil {
		t.Fatalf("GetGroupByFolder: %v", err)
	}
	if got.Name != "Acme Renamed" || got.ChatJID != "jid-2" || got.TimeoutMs != 9000 {
		t.Fatalf("got %+v", got)
	}
}

func TestUpdateGroup_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateGroup(context.Background(), Group{Folder: "missing"})
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateGroup(ctx, Group{Folder: "acme", Name: "Acme", ChatJID: "jid-1"}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := s.DeleteGroup(ctx, "acme"); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	if _, err := s.GetGroupByFolder(ctx, "acme"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestGetAllGroups_OrderedByFolder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, folder := range []string{"zebra", "acme", "mid"} {
		if err := s.CreateGroup(ctx, Group{Folder: folder, Name: folder, ChatJID: folder + "-jid"}); err != nil {
			t.Fatalf("CreateGroup(%s): %v", folder, err)
		}
	}

	groups, err := s.GetAllGroups(ctx)
	if err != nil {
		t.Fatalf("GetAllGroups: %v", err)
	}
	want := []string{"acme", "mid", "zebra"}
	if len(groups) != len(want) {
		t.Fatalf("len(groups) = %d, want %d", len(groups), len(want))
	}
	for i, g := range groups {
		if g.Folder != want[i] {
			t.Errorf("groups[%d].Folder = %q, want %q", i, g.Folder, want[i])
		}
	}
}
