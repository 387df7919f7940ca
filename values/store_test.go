package values

import "testing"

func TestStoreSetGet(t *testing.T) {
	s := NewStore()
	key := Key("mul", "out", []int{1, 0})
	if s.Has(key) {
		t.Fatalf("Has() = true before Set")
	}
	s.Set(key, 42)
	v, ok := s.Get(key)
	if !ok || v != 42 {
		t.Fatalf("Get() = %v, %v, want 42, true", v, ok)
	}
	if !s.Has(key) {
		t.Fatalf("Has() = false after Set")
	}
}

func TestStoreKeyScalarOmitsCoordinate(t *testing.T) {
	if got, want := Key("add", "out", nil), "add.out"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
	if got, want := Key("mul", "out", []int{2}), "mul.out@2"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
	if got, want := Key("mul", "out", []int{1, 3}), "mul.out@1,3"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestStoreSetTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Set called twice for the same key to panic")
		}
	}()
	s := NewStore()
	s.Set("k", 1)
	s.Set("k", 2)
}
