package database

import "testing"

func TestMemoryStoreAuthenticate(t *testing.T) {
	store := NewMemoryStore()

	if status := store.Authenticate("meni", "films"); status != AddedNewUser {
		t.Fatalf("Expect AddedNewUser for first login, but got %v", status)
	}
	if status := store.Authenticate("meni", "films"); status != LoggedInSuccessfully {
		t.Fatalf("Expect LoggedInSuccessfully for matching password, but got %v", status)
	}
	if status := store.Authenticate("meni", "wrong"); status != WrongPassword {
		t.Fatalf("Expect WrongPassword for mismatching password, but got %v", status)
	}
}

func TestMemoryStoreLoginAudit(t *testing.T) {
	store := NewMemoryStore()

	_ = store.RecordLogin(7, "bob")
	username, ok := store.LookupUser(7)
	if !ok || username != "bob" {
		t.Fatalf("Expect bob for connection 7, got %q (found=%v)", username, ok)
	}

	_ = store.RecordLogout(7)
	if _, ok := store.LookupUser(7); ok {
		t.Fatal("Expect lookup to fail after logout")
	}
}

func TestMemoryStoreTrackUpload(t *testing.T) {
	store := NewMemoryStore()

	if err := store.TrackUpload("bob", "song.mp3", "/music"); err != nil {
		t.Fatalf("Expect upload tracking to succeed, got %v", err)
	}

	uploads := store.Uploads()
	if len(uploads) != 1 || uploads[0].Channel != "/music" {
		t.Fatalf("Expect one upload for /music, got %+v", uploads)
	}
}
