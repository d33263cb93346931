package securemem

import (
	"bytes"
	"errors"
	"testing"
)

func TestWipe(t *testing.T) {
	data := []byte("sensitive tag material")
	Wipe(data)

	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}
}

func TestFromBytesWipesOriginal(t *testing.T) {
	original := []byte{1, 2, 3, 4}
	buf := FromBytes(original)
	defer buf.Destroy()

	if !bytes.Equal(buf.Bytes(), []byte{1, 2, 3, 4}) {
		t.Error("buffer does not hold copied data")
	}
	for i, b := range original {
		if b != 0 {
			t.Errorf("original byte %d not wiped: %#x", i, b)
		}
	}
}

func TestDestroyIdempotent(t *testing.T) {
	buf := NewBuffer(16)
	buf.Destroy()
	buf.Destroy() // must not panic

	if buf.Len() != 0 {
		t.Errorf("expected zero length after destroy, got %d", buf.Len())
	}
}

func TestEqual(t *testing.T) {
	a := []byte("abcd")
	b := []byte("abcd")
	c := []byte("abce")

	if !Equal(a, b) {
		t.Error("equal slices reported unequal")
	}
	if Equal(a, c) {
		t.Error("unequal slices reported equal")
	}
	if Equal(a, a[:3]) {
		t.Error("different lengths reported equal")
	}
}

func TestGuardedWipesOnError(t *testing.T) {
	key := []byte{0xaa, 0xbb, 0xcc}
	wantErr := errors.New("boom")

	err := Guarded(key, func(k []byte) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	for i, b := range key {
		if b != 0 {
			t.Errorf("key byte %d not wiped after error: %#x", i, b)
		}
	}
}
