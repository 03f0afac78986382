package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleCatalog = `
[[category]]
key = "vision"
label = "Vision"

  [[category.models]]
  id = "meta-llama/llama-3.2-11b-vision-instruct:free"
  name = "LLaMA 3.2 11B Vision"
  description = "Image understanding."
  capabilities = ["Vision", "Text"]
  provider = "OpenRouter"

[[category]]
key = "gemini"
label = "Gemini"

  [[category.models]]
  id = "gemini-2.0-flash"
  name = "Gemini 2.0 Flash"
  capabilities = ["General", "Vision"]
  provider = "Gemini"
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	categories, err := LoadFile(writeCatalog(t, sampleCatalog))
	if err != nil {
		t.Fatalf("LoadFile err: %v", err)
	}
	if len(categories) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(categories))
	}

	store := NewMemoryStore(categories)
	m, ok := store.FindByID("gemini-2.0-flash")
	if !ok {
		t.Fatal("gemini model missing")
	}
	if m.Provider != Gemini || !m.Supports(Vision) {
		t.Fatalf("unexpected model decoded: %+v", m)
	}
}

func TestLoadFileRejectsUnknownProvider(t *testing.T) {
	body := `
[[category]]
key = "x"
  [[category.models]]
  id = "a"
  provider = "Nowhere"
`
	_, err := LoadFile(writeCatalog(t, body))
	if !errors.Is(err, ErrInvalidCatalog) {
		t.Fatalf("expected ErrInvalidCatalog, got %v", err)
	}
}

func TestValidateDuplicateIDs(t *testing.T) {
	dup := []Category{{Key: "a", Models: []Model{
		{ID: "m", Provider: OpenRouter},
		{ID: "m", Provider: Gemini},
	}}}
	if err := Validate(dup); !errors.Is(err, ErrInvalidCatalog) {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatchReloadsCatalog(t *testing.T) {
	path := writeCatalog(t, sampleCatalog)
	categories, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile err: %v", err)
	}
	store := NewMemoryStore(categories)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Watch(ctx, path, store); err != nil {
		t.Fatalf("Watch err: %v", err)
	}

	updated := strings.Replace(sampleCatalog, `id = "gemini-2.0-flash"`, `id = "gemini-2.5-flash"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite catalog: %v", err)
	}
	waitFor(t, "the edited catalog to load", func() bool {
		_, ok := store.FindByID("gemini-2.5-flash")
		return ok
	})
	if _, ok := store.FindByID("gemini-2.0-flash"); ok {
		t.Fatal("renamed model should no longer be listed")
	}

	// an invalid edit keeps the last good table
	if err := os.WriteFile(path, []byte("[[category]]\nkey = \"broken\"\n"), 0o644); err != nil {
		t.Fatalf("write invalid catalog: %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	if _, ok := store.FindByID("gemini-2.5-flash"); !ok {
		t.Fatal("invalid catalog replaced the previous table")
	}
}
