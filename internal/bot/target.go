package bot

import (
	"context"
	"fmt"

	"github.com/basket/herald/internal/shared"
)

// reloadTarget exposes the runtime to the reload supervisor one step at a time.
type reloadTarget struct {
	b *Bot
}

func (t *reloadTarget) NotifyOwner(ctx context.Context, text string) error {
	owner := t.b.cfg.OwnerID
	if owner == "" {
		return ErrOwnerUnknown
	}
	c := t.b.Client()
	ch, err := c.DMChannel(ctx, owner)
	if err != nil {
		return fmt.Errorf("open owner dm: %w", err)
	}
	_, err = c.Send(ctx, ch.ID, text)
	return err
}

func (t *reloadTarget) DetachEvents() {
	t.b.presence.Stop()
	t.b.Client().OffAll()
}

func (t *reloadTarget) Disconnect(ctx context.Context) error {
	return t.b.Client().Disconnect(ctx)
}

func (t *reloadTarget) ClearRegistries() {
	t.b.registry.Clear()
}

// NewClient swaps in a fresh adapter built from the original options. On
// failure the previous adapter stays and gets its core handlers back.
func (t *reloadTarget) NewClient() error {
	b := t.b
	c, err := b.opts.NewClient(b.cfg, b.cred, b.opts.Logger)
	if err != nil {
		b.attachCore(b.Client())
		return err
	}
	b.setClient(c)
	return nil
}

func (t *reloadTarget) Discover(ctx context.Context) error {
	_, err := t.b.discover(ctx)
	return err
}

func (t *reloadTarget) Connect(ctx context.Context) error {
	err := t.b.Client().Connect(ctx)
	if shared.IsConnectionReset(err) {
		t.b.scheduleExit("reconnect", err)
	}
	return err
}
