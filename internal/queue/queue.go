// Package queue keeps the append-only sequences of records waiting to reach the fleet backend.
//
// Each sequence is a JSON array stored under its own key. Records keep their insertion
// order for audit purposes and the only field the queue ever changes is status, which moves
// from pending to synced and never back.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"optrack/driver-agent/internal/model"
	"optrack/driver-agent/internal/store"
)

// Keys of the three sequences.
const (
	KeyLocations = "pendingLocations"
	KeyEvents    = "pendingEvents"
	KeyHistory   = "operationHistory"
)

var sequenceKeys = []string{KeyLocations, KeyEvents, KeyHistory}

// Batch is the set of pending records selected by one drain, in stored form.
type Batch struct {
	Locations []json.RawMessage `json:"locations"`
	Events    []json.RawMessage `json:"events"`
	History   []json.RawMessage `json:"history"`
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Locations) + len(b.Events) + len(b.History)
}

func (b *Batch) slot(key string) *[]json.RawMessage {
	switch key {
	case KeyLocations:
		return &b.Locations
	case KeyEvents:
		return &b.Events
	default:
		return &b.History
	}
}

// Counts summarizes one sequence.
type Counts struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
}

// Queue is the offline record queue backed by a key/value store.
type Queue struct {
	kv store.KV
}

// New creates a queue over kv.
func New(kv store.KV) *Queue {
	return &Queue{kv: kv}
}

type header struct {
	ID     string       `json:"id"`
	Status model.Status `json:"status"`
}

// Enqueue appends record to the sequence under key with status pending.
func (q *Queue) Enqueue(ctx context.Context, key string, record any) error {
	entry, err := withStatus(record, model.StatusPending)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", key, err)
	}

	return q.kv.Update(ctx, []string{key}, func(values map[string]string) error {
		seq, err := decodeSequence(key, values[key])
		if err != nil {
			return err
		}
		seq = append(seq, entry)
		return encodeSequence(values, key, seq)
	})
}

// EnqueueLocation queues an accepted location sample.
func (q *Queue) EnqueueLocation(ctx context.Context, loc model.Location) (model.LocationRecord, error) {
	rec := model.LocationRecord{
		ID:        model.NewID(),
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Accuracy:  loc.Accuracy,
		Heading:   loc.Heading,
		Timestamp: loc.Timestamp,
		Status:    model.StatusPending,
	}
	return rec, q.Enqueue(ctx, KeyLocations, rec)
}

// EnqueueEvent queues an operation event.
func (q *Queue) EnqueueEvent(ctx context.Context, ev model.OperationEvent) error {
	return q.Enqueue(ctx, KeyEvents, ev)
}

// EnqueueHistory appends a completed operation to the history sequence.
func (q *Queue) EnqueueHistory(ctx context.Context, op model.Operation) error {
	return q.Enqueue(ctx, KeyHistory, op)
}

// CompleteEvent records the end of an operation. A still-pending start event for
// end.OperationID gets the end time and duration in place; otherwise end is appended as a
// new pending end event so an already synced record is never reopened.
func (q *Queue) CompleteEvent(ctx context.Context, end model.OperationEvent) error {
	return q.kv.Update(ctx, []string{KeyEvents}, func(values map[string]string) error {
		seq, err := decodeSequence(KeyEvents, values[KeyEvents])
		if err != nil {
			return err
		}

		for i := len(seq) - 1; i >= 0; i-- {
			var ev model.OperationEvent
			if err := json.Unmarshal(seq[i], &ev); err != nil {
				return fmt.Errorf("decode %s record: %w", KeyEvents, err)
			}
			if ev.OperationID != end.OperationID || ev.Kind != model.EventStart {
				continue
			}
			if ev.Status != model.StatusPending {
				break
			}
			ev.EndTime = end.EndTime
			ev.Duration = end.Duration
			updated, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode %s record: %w", KeyEvents, err)
			}
			seq[i] = updated
			return encodeSequence(values, KeyEvents, seq)
		}

		if end.ID == "" {
			end.ID = model.NewID()
		}
		end.Kind = model.EventEnd
		entry, err := withStatus(end, model.StatusPending)
		if err != nil {
			return fmt.Errorf("encode %s record: %w", KeyEvents, err)
		}
		seq = append(seq, entry)
		return encodeSequence(values, KeyEvents, seq)
	})
}

// Pending selects every pending record across the three sequences in one transaction.
func (q *Queue) Pending(ctx context.Context) (Batch, error) {
	var batch Batch
	err := q.kv.Update(ctx, sequenceKeys, func(values map[string]string) error {
		for _, key := range sequenceKeys {
			seq, err := decodeSequence(key, values[key])
			if err != nil {
				return err
			}
			slot := batch.slot(key)
			for _, raw := range seq {
				h, err := decodeHeader(key, raw)
				if err != nil {
					return err
				}
				if h.Status == model.StatusPending {
					*slot = append(*slot, raw)
				}
			}
		}
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// MarkSynced flips the records of batch to synced, in place, in one transaction. Records
// changed since the batch was selected stay pending. It returns how many records flipped.
func (q *Queue) MarkSynced(ctx context.Context, batch Batch) (int, error) {
	marked := 0
	err := q.kv.Update(ctx, sequenceKeys, func(values map[string]string) error {
		marked = 0
		for _, key := range sequenceKeys {
			submitted := make(map[string]json.RawMessage)
			for _, raw := range *batch.slot(key) {
				h, err := decodeHeader(key, raw)
				if err != nil {
					return err
				}
				submitted[h.ID] = raw
			}
			if len(submitted) == 0 {
				continue
			}

			seq, err := decodeSequence(key, values[key])
			if err != nil {
				return err
			}
			changed := false
			for i, raw := range seq {
				h, err := decodeHeader(key, raw)
				if err != nil {
					return err
				}
				sent, ok := submitted[h.ID]
				if !ok || h.Status != model.StatusPending || !bytes.Equal(sent, raw) {
					continue
				}
				synced, err := withStatus(raw, model.StatusSynced)
				if err != nil {
					return fmt.Errorf("encode %s record: %w", key, err)
				}
				seq[i] = synced
				changed = true
				marked++
			}
			if changed {
				if err := encodeSequence(values, key, seq); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// Drain selects every pending record, hands them to submit and marks them synced once
// submit succeeds. It returns zero when nothing was pending. When submit or the final write
// fails no record changes status.
func (q *Queue) Drain(ctx context.Context, submit func(context.Context, Batch) error) (int, error) {
	batch, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := submit(ctx, batch); err != nil {
		return 0, err
	}
	return q.MarkSynced(ctx, batch)
}

// Locations returns the location sequence in insertion order.
func (q *Queue) Locations(ctx context.Context) ([]model.LocationRecord, error) {
	var out []model.LocationRecord
	return out, q.read(ctx, KeyLocations, &out)
}

// Events returns the operation-event sequence in insertion order.
func (q *Queue) Events(ctx context.Context) ([]model.OperationEvent, error) {
	var out []model.OperationEvent
	return out, q.read(ctx, KeyEvents, &out)
}

// History returns the completed operations in insertion order.
func (q *Queue) History(ctx context.Context) ([]model.Operation, error) {
	var out []model.Operation
	return out, q.read(ctx, KeyHistory, &out)
}

// Counts reports pending and synced totals per sequence key.
func (q *Queue) Counts(ctx context.Context) (map[string]Counts, error) {
	out := make(map[string]Counts, len(sequenceKeys))
	for _, key := range sequenceKeys {
		var seq []header
		if err := q.read(ctx, key, &seq); err != nil {
			return nil, err
		}
		var c Counts
		for _, h := range seq {
			switch h.Status {
			case model.StatusPending:
				c.Pending++
			case model.StatusSynced:
				c.Synced++
			}
		}
		out[key] = c
	}
	return out, nil
}

func (q *Queue) read(ctx context.Context, key string, dest any) error {
	if _, err := store.GetJSON(ctx, q.kv, key, dest); err != nil {
		return err
	}
	return nil
}

func decodeSequence(key, raw string) ([]json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	var seq []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &seq); err != nil {
		return nil, &store.PersistenceError{Op: "decode", Key: key, Err: err}
	}
	return seq, nil
}

func encodeSequence(values map[string]string, key string, seq []json.RawMessage) error {
	data, err := json.Marshal(seq)
	if err != nil {
		return &store.PersistenceError{Op: "encode", Key: key, Err: err}
	}
	values[key] = string(data)
	return nil
}

func decodeHeader(key string, raw json.RawMessage) (header, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return header{}, &store.PersistenceError{Op: "decode", Key: key, Err: err}
	}
	return h, nil
}

// withStatus encodes record as a JSON object with its status field replaced. Every other
// field is carried over untouched.
func withStatus(record any, status model.Status) (json.RawMessage, error) {
	var raw []byte
	switch r := record.(type) {
	case json.RawMessage:
		raw = r
	default:
		b, err := json.Marshal(record)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	fields["status"] = encoded
	return json.Marshal(fields)
}
