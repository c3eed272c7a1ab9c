package webhooks_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/sentinelchain/sentinel/internal/webhooks"
)

func newSub(url string, events ...string) *webhooks.Subscription {
	return &webhooks.Subscription{URL: url, Events: events, Secret: "s"}
}

func TestMemoryRepository_createAndGet(t *testing.T) {
	repo := webhooks.NewMemoryRepository()

	sub := newSub("https://example.com/a", webhooks.EventAlertStored)
	if err := repo.Create(ctx, sub); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != sub.URL || !got.Active {
		t.Errorf("stored subscription = %+v", got)
	}

	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, webhooks.ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestMemoryRepository_listByEvent(t *testing.T) {
	repo := webhooks.NewMemoryRepository()

	stored := newSub("https://example.com/stored", webhooks.EventAlertStored)
	both := newSub("https://example.com/both", webhooks.EventAlertStored, webhooks.EventAlertCritical)
	for _, s := range []*webhooks.Subscription{stored, both} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	critical, err := repo.ListByEvent(ctx, webhooks.EventAlertCritical)
	if err != nil {
		t.Fatal(err)
	}
	if len(critical) != 1 || critical[0].ID != both.ID {
		t.Errorf("critical subscribers = %d, want only the dual subscription", len(critical))
	}

	all, err := repo.ListByEvent(ctx, webhooks.EventAlertStored)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("stored subscribers = %d, want 2", len(all))
	}
}

func TestMemoryRepository_delete(t *testing.T) {
	repo := webhooks.NewMemoryRepository()

	sub := newSub("https://example.com/a", webhooks.EventAlertStored)
	if err := repo.Create(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, sub.ID); !errors.Is(err, webhooks.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
	if _, err := repo.GetByID(ctx, sub.ID); !errors.Is(err, webhooks.ErrNotFound) {
		t.Error("subscription still readable after delete")
	}
}
