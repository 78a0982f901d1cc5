package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"taskescrow/core/types"
	"taskescrow/storage"
)

var (
	journalHeadKey      = []byte("journal/head")
	journalRecordPrefix = []byte("journal/rec/")
)

// DefaultSubscriptionBuffer bounds the live channel of a subscriber. A
// subscriber that falls this far behind is dropped and must resubscribe from
// its last cursor.
const DefaultSubscriptionBuffer = 256

// Journal is the globally ordered, persisted event history. Records are staged
// into the same write set as the state changes that produced them and only
// become visible once Publish is called after the commit.
type Journal struct {
	mu     sync.RWMutex
	db     storage.Database
	head   int64
	subs   map[int]chan types.EventRecord
	nextID int
}

// OpenJournal loads the committed head sequence from db.
func OpenJournal(db storage.Database) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	j := &Journal{db: db, subs: make(map[int]chan types.EventRecord)}
	raw, err := db.Get(journalHeadKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("journal: load head: %w", err)
	case len(raw) != 8:
		return nil, fmt.Errorf("journal: corrupt head record")
	default:
		j.head = int64(binary.BigEndian.Uint64(raw))
	}
	return j, nil
}

// Head returns the sequence number of the last published record.
func (j *Journal) Head() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.head
}

// Stage assigns sequence numbers after the current head to every
// payload-carrying event and writes the records into db together with the
// advanced head. The journal itself is not advanced until Publish.
func (j *Journal) Stage(db storage.Database, timestamp int64, evts []Event) ([]types.EventRecord, error) {
	j.mu.RLock()
	seq := j.head
	j.mu.RUnlock()

	records := make([]types.EventRecord, 0, len(evts))
	for _, evt := range evts {
		payloader, ok := evt.(Payloader)
		if !ok {
			continue
		}
		payload := payloader.Event()
		if payload == nil {
			continue
		}
		seq++
		record := types.EventRecord{
			Sequence:   seq,
			Timestamp:  timestamp,
			Type:       payload.Type,
			Attributes: payload.Attributes,
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("journal: encode record %d: %w", seq, err)
		}
		if err := db.Put(recordKey(seq), encoded); err != nil {
			return nil, fmt.Errorf("journal: stage record %d: %w", seq, err)
		}
		records = append(records, record.Clone())
	}
	if len(records) == 0 {
		return nil, nil
	}
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], uint64(seq))
	if err := db.Put(journalHeadKey, head[:]); err != nil {
		return nil, fmt.Errorf("journal: stage head: %w", err)
	}
	return records, nil
}

// Publish advances the head past records that have been committed and fans
// them out to live subscribers.
func (j *Journal) Publish(records []types.EventRecord) {
	if len(records) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, record := range records {
		if record.Sequence <= j.head {
			continue
		}
		j.head = record.Sequence
		for id, ch := range j.subs {
			select {
			case ch <- record.Clone():
			default:
				close(ch)
				delete(j.subs, id)
			}
		}
	}
}

// Since returns up to limit committed records with a sequence greater than
// after. A non-positive limit returns every remaining record.
func (j *Journal) Since(after int64, limit int) ([]types.EventRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.since(after, limit)
}

func (j *Journal) since(after int64, limit int) ([]types.EventRecord, error) {
	if after < 0 {
		after = 0
	}
	var (
		out    []types.EventRecord
		decErr error
	)
	err := j.db.Iterate(journalRecordPrefix, func(key, value []byte) bool {
		seq := int64(binary.BigEndian.Uint64(key[len(journalRecordPrefix):]))
		if seq <= after {
			return true
		}
		if seq > j.head {
			return false
		}
		var record types.EventRecord
		if err := json.Unmarshal(value, &record); err != nil {
			decErr = fmt.Errorf("journal: decode record %d: %w", seq, err)
			return false
		}
		out = append(out, record)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("journal: iterate: %w", err)
	}
	if decErr != nil {
		return nil, decErr
	}
	return out, nil
}

// Subscribe returns the committed backlog after the supplied cursor and a
// channel carrying every record published afterwards. The backlog and the
// registration happen under one lock so no record is skipped or repeated.
// The channel is closed when the subscriber lags beyond its buffer or when
// cancel is called.
func (j *Journal) Subscribe(after int64, buffer int) ([]types.EventRecord, <-chan types.EventRecord, func(), error) {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	backlog, err := j.since(after, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	ch := make(chan types.EventRecord, buffer)
	id := j.nextID
	j.nextID++
	j.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			if existing, ok := j.subs[id]; ok {
				close(existing)
				delete(j.subs, id)
			}
		})
	}
	return backlog, ch, cancel, nil
}

func recordKey(seq int64) []byte {
	key := make([]byte, len(journalRecordPrefix)+8)
	copy(key, journalRecordPrefix)
	binary.BigEndian.PutUint64(key[len(journalRecordPrefix):], uint64(seq))
	return key
}
