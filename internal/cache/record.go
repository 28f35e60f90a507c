package cache

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Record is the flat field map of one normalized entity.
type Record struct {
	Key    CacheKey
	Fields map[string]Value
}

// NewRecord creates a record at key holding copies of fields.
func NewRecord(key CacheKey, fields map[string]Value) Record {
	r := Record{Key: key, Fields: make(map[string]Value, len(fields))}
	for name, v := range fields {
		r.Fields[name] = v.Clone()
	}
	return r
}

// Get returns the value of field name.
func (r Record) Get(name string) (Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// FieldNames returns field names in sorted order.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	return NewRecord(r.Key, r.Fields)
}

// SizeInBytes approximates the memory held by the record.
func (r Record) SizeInBytes() int {
	n := len(r.Key)
	for name, v := range r.Fields {
		n += len(name) + v.sizeInBytes()
	}
	return n
}

// RecordSet is a keyed collection of records with field-level merge semantics.
// It is not safe for concurrent use; tiers serialize access to the sets they own.
type RecordSet struct {
	storage map[CacheKey]Record
}

// NewRecordSet creates a set from records. Records sharing a key are merged in
// order; a later field whose kind conflicts with an earlier one is dropped and
// not reported. Use Merge on an empty set to see those conflicts.
func NewRecordSet(records ...Record) RecordSet {
	rs := RecordSet{storage: make(map[CacheKey]Record, len(records))}
	for _, r := range records {
		rs.MergeRecord(r)
	}
	return rs
}

func (rs *RecordSet) init() {
	if rs.storage == nil {
		rs.storage = make(map[CacheKey]Record)
	}
}

// Len returns the number of records.
func (rs RecordSet) Len() int {
	return len(rs.storage)
}

// Has reports whether a record is stored at key.
func (rs RecordSet) Has(key CacheKey) bool {
	_, ok := rs.storage[key]
	return ok
}

// Get returns a copy of the record at key.
func (rs RecordSet) Get(key CacheKey) (Record, bool) {
	r, ok := rs.storage[key]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// Keys returns the stored keys in sorted order.
func (rs RecordSet) Keys() []CacheKey {
	keys := make([]CacheKey, 0, len(rs.storage))
	for k := range rs.storage {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// KeySet returns the stored keys as a set.
func (rs RecordSet) KeySet() KeySet {
	s := make(KeySet, len(rs.storage))
	for k := range rs.storage {
		s.Add(k)
	}
	return s
}

// Records returns copies of every stored record keyed by CacheKey.
func (rs RecordSet) Records() map[CacheKey]Record {
	out := make(map[CacheKey]Record, len(rs.storage))
	for k, r := range rs.storage {
		out[k] = r.Clone()
	}
	return out
}

// Clone returns a deep copy of the set.
func (rs RecordSet) Clone() RecordSet {
	return RecordSet{storage: rs.Records()}
}

// SizeInBytes approximates the memory held by all records.
func (rs RecordSet) SizeInBytes() int {
	n := 0
	for _, r := range rs.storage {
		n += r.SizeInBytes()
	}
	return n
}

// Merge applies every record of incoming and returns the keys whose stored data
// changed. Fields whose kind disagrees with the stored field are left untouched
// and returned as conflicts; the rest of the batch still applies.
func (rs *RecordSet) Merge(incoming RecordSet) (KeySet, []MergeConflict) {
	changed := make(KeySet)
	var conflicts []MergeConflict
	for _, key := range incoming.Keys() {
		updated, c := rs.mergeRecord(incoming.storage[key])
		if updated {
			changed.Add(key)
		}
		conflicts = append(conflicts, c...)
	}
	return changed, conflicts
}

// MergeRecord applies one record and reports whether the stored data changed.
func (rs *RecordSet) MergeRecord(record Record) (bool, []MergeConflict) {
	return rs.mergeRecord(record)
}

func (rs *RecordSet) mergeRecord(record Record) (bool, []MergeConflict) {
	rs.init()

	existing, ok := rs.storage[record.Key]
	if !ok {
		rs.storage[record.Key] = record.Clone()
		return true, nil
	}

	changed := false
	var conflicts []MergeConflict
	for _, name := range record.FieldNames() {
		value := record.Fields[name]
		old, present := existing.Fields[name]
		switch {
		case !present:
		case old.Equal(value):
			continue
		case !old.Kind().CompatibleWith(value.Kind()):
			conflicts = append(conflicts, MergeConflict{
				Key:      record.Key,
				Field:    name,
				Existing: old.Kind(),
				Incoming: value.Kind(),
			})
			continue
		}
		if existing.Fields == nil {
			existing.Fields = make(map[string]Value)
		}
		existing.Fields[name] = value.Clone()
		changed = true
	}
	rs.storage[record.Key] = existing
	return changed, conflicts
}

// overlay writes every field of record over the stored record, ignoring kinds.
// Chains use it to let a more authoritative tier win on read.
func (rs *RecordSet) overlay(record Record) {
	rs.init()

	existing, ok := rs.storage[record.Key]
	if !ok {
		rs.storage[record.Key] = record.Clone()
		return
	}
	for name, value := range record.Fields {
		existing.Fields[name] = value.Clone()
	}
}

// RemoveRecord deletes the record at key. Missing keys are ignored.
func (rs *RecordSet) RemoveRecord(key CacheKey) bool {
	if _, ok := rs.storage[key]; !ok {
		return false
	}
	delete(rs.storage, key)
	return true
}

// RemoveRecords deletes every record whose key matches pattern and returns how many went.
func (rs *RecordSet) RemoveRecords(pattern CacheKey) int {
	removed := 0
	for key := range rs.storage {
		if key.Matches(pattern) {
			delete(rs.storage, key)
			removed++
		}
	}
	return removed
}

// Clear removes all records.
func (rs *RecordSet) Clear() {
	rs.storage = make(map[CacheKey]Record)
}

// MarshalJSON encodes the set as an object of records keyed by CacheKey.
func (rs RecordSet) MarshalJSON() ([]byte, error) {
	out := make(map[CacheKey]map[string]Value, len(rs.storage))
	for k, r := range rs.storage {
		fields := r.Fields
		if fields == nil {
			fields = map[string]Value{}
		}
		out[k] = fields
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the encoding produced by MarshalJSON. Existing records are discarded.
func (rs *RecordSet) UnmarshalJSON(data []byte) error {
	var raw map[CacheKey]map[string]Value
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode record set: %w", err)
	}
	rs.storage = make(map[CacheKey]Record, len(raw))
	for k, fields := range raw {
		if fields == nil {
			fields = map[string]Value{}
		}
		rs.storage[k] = Record{Key: k, Fields: fields}
	}
	return nil
}

// MarshalJSON encodes the record's fields as a JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	fields := r.Fields
	if fields == nil {
		fields = map[string]Value{}
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a JSON object into the record's fields. The key is left as is.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]Value
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]Value{}
	}
	r.Fields = fields
	return nil
}
