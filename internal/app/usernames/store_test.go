package usernames

import (
	"context"
	"reflect"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.SetUsername(ctx, "a", "  Ann ")
	_ = s.SetUsername(ctx, "b", "Bob")
	got, _ := s.Usernames(ctx)
	if want := map[string]string{"a": "Ann", "b": "Bob"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Usernames = %v, want %v", got, want)
	}

	// The returned map is a copy.
	got["c"] = "Cat"
	if again, _ := s.Usernames(ctx); len(again) != 2 {
		t.Errorf("store changed through returned map: %v", again)
	}

	_ = s.SetUsername(ctx, "a", " ")
	_ = s.RemovePeer(ctx, "b")
	if got, _ := s.Usernames(ctx); len(got) != 0 {
		t.Errorf("Usernames after clearing = %v, want empty", got)
	}

	_ = s.SetUsername(ctx, "a", "Ann")
	_ = s.Reset(ctx)
	if got, _ := s.Usernames(ctx); len(got) != 0 {
		t.Errorf("Usernames after Reset = %v, want empty", got)
	}
}
