package sqlstore

import "github.com/syncnet/syncd/store"

// subscription is one Session's independent view of the store's
// change stream. Its events channel is closed by Cancel or by
// Store.Close, whichever comes first.
type subscription struct {
	events chan store.ChangeEvent
	store  *Store
}

var _ store.ChangeSubscription = (*subscription)(nil)

func (s *subscription) Events() <-chan store.ChangeEvent { return s.events }

func (s *subscription) Cancel() {
	s.store.unsubscribe(s)
}
