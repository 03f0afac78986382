package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/storage"
)

func TestClientLocksAreReleased(t *testing.T) {
	svc, err := NewService(storage.NewMemory(), catalog.NewMemoryStore(catalog.Seed()), "")
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Workspace(context.Background(), fmt.Sprintf("client-%d", i%5)); err != nil {
				t.Errorf("Workspace err: %v", err)
			}
		}(i)
	}
	wg.Wait()

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.locks) != 0 {
		t.Fatalf("expected no tracked client locks, got %d", len(svc.locks))
	}
}
