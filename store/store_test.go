package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "modules.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openTemp(t)
	data := []byte{0xa3, 0x01, 0x01, 0x02, 0x00}
	digest, err := s.Put("main", data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if digest != Digest(data) {
		t.Errorf("digest = %s, want %s", digest, Digest(data))
	}
	got, err := s.Get("main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get = %x, want %x", got, data)
	}

	// replacing keeps one row
	if _, err := s.Put("main", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	mods, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 1 || mods[0].Size != 2 {
		t.Errorf("List = %+v, want one module of size 2", mods)
	}
}

func TestListOrder(t *testing.T) {
	s := openTemp(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := s.Put(name, []byte(name)); err != nil {
			t.Fatal(err)
		}
	}
	mods, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, m := range mods {
		names = append(names, m.Name)
	}
	if len(names) != 3 || names[0] != "alpha" || names[1] != "mid" || names[2] != "zeta" {
		t.Errorf("names = %v, want [alpha mid zeta]", names)
	}
}

func TestNotFound(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Get("missing"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Get error = %v, want ErrModuleNotFound", err)
	}
	if err := s.Delete("missing"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Delete error = %v, want ErrModuleNotFound", err)
	}
	if _, err := s.Put("", nil); err == nil {
		t.Error("Put with empty name succeeded")
	}
}

func TestDelete(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Put("gone", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("gone"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrModuleNotFound", err)
	}
}

func TestInMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Put("m", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("m"); err != nil {
		t.Errorf("Get: %v", err)
	}
}
