package explorer

import (
	"encoding/json"
	"fmt"

	"nftlend/loan"
	"nftlend/storage"
)

// EventStore persists fetched lifecycle events so repeated window queries
// and restarts reuse them. The cache is advisory: deleting it only costs a
// re-fetch.
type EventStore struct {
	db storage.Database
}

// NewEventStore wraps a key-value database as an event cache.
func NewEventStore(db storage.Database) *EventStore {
	return &EventStore{db: db}
}

// Key layout: evt/<kind>/<block, 16 hex digits>/<txhash>/<logindex, 8 hex>.
// Fixed-width hex keeps lexicographic order equal to numeric order, so a
// prefix scan walks blocks in ascending order.
func eventKey(ev loan.Event) []byte {
	return []byte(fmt.Sprintf("evt/%s/%016x/%s/%08x", ev.Kind, ev.BlockNumber, ev.TxHash.Hex(), ev.LogIndex))
}

// Save upserts a batch of events. Duplicate (transaction, log position)
// pairs overwrite in place, which makes saving idempotent.
func (s *EventStore) Save(events []loan.Event) error {
	for _, ev := range events {
		encoded, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("explorer: encode event: %w", err)
		}
		if err := s.db.Put(eventKey(ev), encoded); err != nil {
			return fmt.Errorf("explorer: store event: %w", err)
		}
	}
	return nil
}

// Window returns the cached events of one kind within [fromBlock, toBlock].
func (s *EventStore) Window(kind loan.EventKind, fromBlock, toBlock uint64) ([]loan.Event, error) {
	prefix := []byte(fmt.Sprintf("evt/%s/", kind))
	var out []loan.Event
	var decodeErr error
	err := s.db.IteratePrefix(prefix, func(key, value []byte) bool {
		var ev loan.Event
		if err := json.Unmarshal(value, &ev); err != nil {
			decodeErr = fmt.Errorf("explorer: decode cached event %s: %w", key, err)
			return false
		}
		if ev.BlockNumber < fromBlock || ev.BlockNumber > toBlock {
			return true
		}
		out = append(out, ev)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}
