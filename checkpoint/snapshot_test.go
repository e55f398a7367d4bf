package checkpoint

import (
	"testing"

	"github.com/grailbio/base/errors"
)

func TestGreatestSnapshotEmpty(t *testing.T) {
	dir := t.TempDir()
	_, err := GreatestSnapshot(dir)
	if !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected errors.NotExist, got %v", err)
	}
}

func TestAppendAndGreatestSnapshot(t *testing.T) {
	dir := t.TempDir()
	for _, iter := range []int{0, 3, 1, 7, 4} {
		if err := AppendSnapshot(dir, iter); err != nil {
			t.Fatalf("AppendSnapshot(%d): %v", iter, err)
		}
	}
	got, err := GreatestSnapshot(dir)
	if err != nil {
		t.Fatalf("GreatestSnapshot: %v", err)
	}
	if got != 7 {
		t.Fatalf("GreatestSnapshot = %d, want 7", got)
	}
}

func TestAppendSnapshotIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := AppendSnapshot(dir, 2); err != nil {
		t.Fatalf("first AppendSnapshot: %v", err)
	}
	if err := AppendSnapshot(dir, 2); err != nil {
		t.Fatalf("second AppendSnapshot should be a no-op, got: %v", err)
	}
}
