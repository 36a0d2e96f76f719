package kvdb

import "github.com/goccy/go-json"

// Serializer validates a value at write time. It is applied symmetrically:
// the engine never transforms the bytes it stores, it only accepts or
// rejects them (§6 "pluggable value serializers" — the choice of
// serializer is a collaborator concern; only plain/json are built in).
type Serializer interface {
	Validate(value []byte) error
}

// PlainSerializer accepts any byte string.
type PlainSerializer struct{}

func (PlainSerializer) Validate([]byte) error { return nil }

// JSONSerializer requires the value to be syntactically valid JSON.
type JSONSerializer struct{}

func (JSONSerializer) Validate(value []byte) error {
	if !json.Valid(value) {
		return ErrSerializer
	}
	return nil
}
