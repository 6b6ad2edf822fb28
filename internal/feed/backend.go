package feed

import (
	"context"
	"errors"

	"v3ktor/internal/domain"
	v3ktorsdk "v3ktor/sdk/go"
)

// ClientBackend adapts the SDK client to the Backend interface.
type ClientBackend struct {
	Client *v3ktorsdk.Client
}

func NewClientBackend(client *v3ktorsdk.Client) *ClientBackend {
	return &ClientBackend{Client: client}
}

func (b *ClientBackend) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return b.Client.ListTasks(ctx)
}

func (b *ClientBackend) ListActivity(ctx context.Context) ([]domain.ActivityLogEntry, error) {
	return b.Client.ListActivity(ctx)
}

func (b *ClientBackend) ListNotes(ctx context.Context) ([]domain.Note, error) {
	return b.Client.ListNotes(ctx)
}

func (b *ClientBackend) ListDeliverables(ctx context.Context) ([]domain.Deliverable, error) {
	return b.Client.ListDeliverables(ctx)
}

func (b *ClientBackend) ListTokenUsage(ctx context.Context) ([]domain.TokenUsage, error) {
	return b.Client.ListTokenUsage(ctx)
}

func (b *ClientBackend) GetStatus(ctx context.Context) (domain.Status, error) {
	status, err := b.Client.GetStatus(ctx)
	if errors.Is(err, v3ktorsdk.ErrNotFound) {
		return domain.Status{}, ErrStatusMissing
	}
	return status, err
}

// ProvisionStatus creates the default idle row via the upsert endpoint.
func (b *ClientBackend) ProvisionStatus(ctx context.Context) (domain.Status, error) {
	idle := "idle"
	return b.Client.UpdateStatus(ctx, v3ktorsdk.StatusPatch{
		OperationalState: &idle,
		ActiveSubAgents:  []domain.SubAgent{},
	})
}

func (b *ClientBackend) Subscribe(ctx context.Context, collection domain.Collection, handler func(Event)) (Subscription, error) {
	return b.Client.Subscribe(ctx, []domain.Collection{collection}, func(ev v3ktorsdk.Event) {
		handler(Event{
			Collection: ev.Collection,
			Kind:       ev.Kind,
			RowID:      ev.RowID,
			Payload:    ev.Payload,
		})
	})
}
