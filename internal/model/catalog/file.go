package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

var ErrInvalidCatalog = errors.New("invalid model catalog")

type catalogFile struct {
	Categories []Category `toml:"category"`
}

// LoadFile reads a TOML catalog of the form
//
//	[[category]]
//	key = "general"
//	label = "General"
//	  [[category.models]]
//	  id = "..."
func LoadFile(path string) ([]Category, error) {
	var doc catalogFile
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if err := Validate(doc.Categories); err != nil {
		return nil, err
	}
	return doc.Categories, nil
}

// Validate checks that ids are unique and every model names a known provider.
func Validate(categories []Category) error {
	if len(categories) == 0 {
		return fmt.Errorf("%w: no categories", ErrInvalidCatalog)
	}

	seen := make(map[string]struct{})
	for _, c := range categories {
		for _, m := range c.Models {
			if m.ID == "" {
				return fmt.Errorf("%w: model without id in category %q", ErrInvalidCatalog, c.Key)
			}
			if _, dup := seen[m.ID]; dup {
				return fmt.Errorf("%w: duplicate model id %q", ErrInvalidCatalog, m.ID)
			}
			seen[m.ID] = struct{}{}

			switch m.Provider {
			case OpenRouter, Gemini:
			default:
				return fmt.Errorf("%w: model %q has unknown provider %q", ErrInvalidCatalog, m.ID, m.Provider)
			}
		}
	}
	if len(seen) == 0 {
		return fmt.Errorf("%w: no models", ErrInvalidCatalog)
	}
	return nil
}

// Watch reloads the catalog file into store whenever it changes, until ctx ends.
// A file that fails validation is ignored and the previous table stays active.
func Watch(ctx context.Context, path string, store *MemoryStore) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch catalog dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		target := filepath.Clean(path)
		var debounce <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					debounce = time.After(200 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				categories, err := LoadFile(path)
				if err != nil {
					log.Printf("[catalog] reload skipped: %v", err)
					continue
				}
				store.Replace(categories)
				log.Printf("[catalog] reloaded %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[catalog] watcher error: %v", err)
			}
		}
	}()

	return nil
}
