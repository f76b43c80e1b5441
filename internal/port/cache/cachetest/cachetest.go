// Package cachetest checks the behaviour every cache.Cache implementation
// must share. Adapter tests call Run with a fresh, empty cache.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/glossforge/internal/port/cache"
)

// Run exercises c through the cache.Cache contract.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("Miss", func(t *testing.T) {
		val, found, err := c.Get(ctx, "completion:missing")
		if err != nil {
			t.Fatalf("a miss must not be an error: %v", err)
		}
		if found || val != nil {
			t.Fatalf("expected miss, got found=%v val=%q", found, val)
		}
	})

	t.Run("SetThenGet", func(t *testing.T) {
		want := `{"definition":"A record of transactions."}`
		if err := c.Set(ctx, "completion:set-get", []byte(want), time.Minute); err != nil {
			t.Fatal(err)
		}
		got, found, err := c.Get(ctx, "completion:set-get")
		if err != nil || !found {
			t.Fatalf("expected hit, got found=%v err=%v", found, err)
		}
		if string(got) != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "completion:overwrite", []byte("first"), time.Minute)
		if err := c.Set(ctx, "completion:overwrite", []byte("second"), time.Minute); err != nil {
			t.Fatal(err)
		}
		got, found, _ := c.Get(ctx, "completion:overwrite")
		if !found || string(got) != "second" {
			t.Fatalf("expected second, got %q found=%v", got, found)
		}
	})

	t.Run("KeysAreDistinct", func(t *testing.T) {
		_ = c.Set(ctx, "completion:model-a", []byte("a"), time.Minute)
		_ = c.Set(ctx, "completion:model-b", []byte("b"), time.Minute)
		a, _, _ := c.Get(ctx, "completion:model-a")
		b, _, _ := c.Get(ctx, "completion:model-b")
		if string(a) != "a" || string(b) != "b" {
			t.Fatalf("keys collided: a=%q b=%q", a, b)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "completion:delete", []byte("v"), time.Minute)
		if err := c.Delete(ctx, "completion:delete"); err != nil {
			t.Fatal(err)
		}
		if _, found, err := c.Get(ctx, "completion:delete"); err != nil || found {
			t.Fatalf("expected miss after delete, got found=%v err=%v", found, err)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		if err := c.Delete(ctx, "completion:never-set"); err != nil {
			t.Fatalf("deleting a missing key must succeed: %v", err)
		}
	})
}
