package store

import (
	"os"
	"testing"
)

func TestMemoryStore_AbsentReadsAndDeletes(t *testing.T) {
	s := NewMemoryStore()
	if item, ok := s.Get(1); ok || item != nil {
		t.Fatalf("expected absent read, found (%v, %v)", item, ok)
	}
	if err := s.Delete(1); err != nil {
		t.Fatalf("deleting an absent timestamp should be a no-op: %v", err)
	}
}

func TestMemoryStore_SetGetDelete(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Set(5, []byte("hello")); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, ok := s.Get(5)
	if !ok || string(item) != "hello" {
		t.Fatalf("expected (hello, true), found (%s, %v)", item, ok)
	}
	if err := s.Delete(5); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get(5); ok {
		t.Fatalf("expected timestamp to be gone after delete")
	}
}

func TestBoltStore_SetGetDeleteSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/stm.bolt"

	db, err := OpenBoltDB(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	bs, err := NewBoltStore(db, "ch1")
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	if err := bs.Set(1, []byte("D1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := OpenBoltDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		db2.Close()
		os.Remove(path)
	}()
	bs2, err := NewBoltStore(db2, "ch1")
	if err != nil {
		t.Fatalf("new bolt store after reopen: %v", err)
	}
	item, ok := bs2.Get(1)
	if !ok || string(item) != "D1" {
		t.Fatalf("expected (D1, true) after reopen, found (%s, %v)", item, ok)
	}

	if err := bs2.Delete(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := bs2.Get(1); ok {
		t.Fatalf("expected timestamp gone after delete")
	}
}
