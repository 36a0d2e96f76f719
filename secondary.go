package kvdb

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/puzpuzpuz/xsync/v3"
)

// SecondaryIndex maps (field name, canonical field value) to the set of
// keys whose current value is a JSON object exhibiting that field, for the
// fields configured at engine open (§4.7). It is optional: an engine
// opened with no secondary_indexed_fields never allocates one.
type SecondaryIndex struct {
	fields map[string]struct{}
	// buckets maps "field\x00canonicalValue" -> *xsync.Map of key -> struct{}.
	buckets *xsync.Map
}

func newSecondaryIndex(fields []string) *SecondaryIndex {
	if len(fields) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return &SecondaryIndex{fields: set, buckets: xsync.NewMap()}
}

func bucketKey(field, value string) string {
	return field + "\x00" + value
}

// extractFields decodes value as a JSON object (if it is one) and returns
// the canonical string for each configured field present. Values that do
// not parse as a JSON object, or fields absent or holding a nested
// object/array, are simply omitted: only top-level scalar fields are
// indexed per §3.
func (s *SecondaryIndex) extractFields(value []byte) map[string]string {
	out := make(map[string]string)
	if len(value) == 0 {
		return out
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return out
	}
	for field := range s.fields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		canon, ok := canonicalizeJSON(raw)
		if ok {
			out[field] = canon
		}
	}
	return out
}

// canonicalizeJSON renders a raw JSON scalar per §3's canonicalization
// rule: numbers in minimal decimal form (30.0 and 3e1 both become "30";
// a number that overflows float64 keeps its literal text), strings verbatim,
// booleans "true"/"false", null as "null". Nested objects/arrays are not
// canonicalizable and report ok=false.
func canonicalizeJSON(raw json.RawMessage) (string, bool) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case nil:
		return "null", true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		if f, err := t.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64), true
		}
		return t.String(), true
	case string:
		return t, true
	default:
		return "", false
	}
}

func (s *SecondaryIndex) addKeyToBucket(field, value, key string) {
	bk := bucketKey(field, value)
	actual, _ := s.buckets.LoadOrStore(bk, xsync.NewMap())
	actual.(*xsync.Map).Store(key, struct{}{})
}

func (s *SecondaryIndex) removeKeyFromBucket(field, value, key string) {
	bk := bucketKey(field, value)
	v, ok := s.buckets.Load(bk)
	if !ok {
		return
	}
	set := v.(*xsync.Map)
	set.Delete(key)
	if set.Size() == 0 {
		s.buckets.Delete(bk)
	}
}

// Put updates the secondary index for a PUT of key: oldValue (nil if the
// key was absent) is consulted so stale field entries are removed before
// newValue's fields are inserted, per §4.7's "read the prior value inline"
// contract.
func (s *SecondaryIndex) Put(key string, oldValue, newValue []byte) {
	if s == nil {
		return
	}
	var oldFields map[string]string
	if oldValue != nil {
		oldFields = s.extractFields(oldValue)
	}
	newFields := s.extractFields(newValue)

	for field, ov := range oldFields {
		if nv, ok := newFields[field]; !ok || nv != ov {
			s.removeKeyFromBucket(field, ov, key)
		}
	}
	for field, nv := range newFields {
		s.addKeyToBucket(field, nv, key)
	}
}

// Delete removes every bucket entry pointing at key, given the value it
// held (linear in the configured field set, per §4.7).
func (s *SecondaryIndex) Delete(key string, value []byte) {
	if s == nil {
		return
	}
	for field, v := range s.extractFields(value) {
		s.removeKeyFromBucket(field, v, key)
	}
}

// Find returns the keys currently indexed under (field, value). The engine
// is responsible for re-verifying each result against the primary index
// and TTL before yielding it, per §4.7.
func (s *SecondaryIndex) Find(field, value string) []string {
	if s == nil {
		return nil
	}
	v, ok := s.buckets.Load(bucketKey(field, value))
	if !ok {
		return nil
	}
	var keys []string
	v.(*xsync.Map).Range(func(key string, _ interface{}) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Clear drops all entries, used before a compaction-triggered rebuild.
func (s *SecondaryIndex) Clear() {
	if s == nil {
		return
	}
	s.buckets = xsync.NewMap()
}
