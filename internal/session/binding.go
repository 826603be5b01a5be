package session

import (
	"errors"

	"github.com/MEKXH/ccapproval/internal/approval"
)

// Binding adapts a Store to the thread persistence used by approval.Service.
type Binding struct {
	store *Store
}

// NewBinding wraps store.
func NewBinding(store *Store) *Binding {
	return &Binding{store: store}
}

// Lookup returns the stored thread root of sessionID.
func (b *Binding) Lookup(sessionID string) (approval.Location, bool, error) {
	t, ok, err := b.store.Get(sessionID)
	if err != nil || !ok {
		return approval.Location{}, false, err
	}
	return approval.Location{ChannelID: t.ChannelID, MessageTS: t.ThreadTS}, true, nil
}

// Start records root as the thread of sessionID with status executing.
func (b *Binding) Start(sessionID string, root approval.Location) error {
	return b.store.Create(Thread{
		SessionID: sessionID,
		ThreadTS:  root.MessageTS,
		ChannelID: root.ChannelID,
		Status:    StatusExecuting,
	})
}

// Finish marks the session done or failed. Sessions without a mapping are
// skipped.
func (b *Binding) Finish(sessionID string, ok bool) error {
	status := StatusFailed
	if ok {
		status = StatusDone
	}
	_, err := b.store.Update(sessionID, Patch{Status: &status})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
