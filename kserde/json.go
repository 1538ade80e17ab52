package kserde

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

func JSONSerializer[T any]() Serializer[T] {
	return func(t T) ([]byte, error) {
		serialized, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return serialized, nil
	}
}

// JSONDeserializer decodes exactly one JSON value. Empty input and trailing
// data after the value are errors.
func JSONDeserializer[T any]() Deserializer[T] {
	return func(b []byte) (T, error) {
		var deserialized T
		if len(bytes.TrimSpace(b)) == 0 {
			return deserialized, ErrEmptyPayload
		}

		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&deserialized); err != nil {
			return *new(T), fmt.Errorf("decode json: %w", err)
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return *new(T), fmt.Errorf("decode json: trailing data after value")
		}
		return deserialized, nil
	}
}

func JSON[T any]() Serde[T] {
	return Serde[T]{
		Serializer:   JSONSerializer[T](),
		Deserializer: JSONDeserializer[T](),
	}
}

// RawJSON keeps the payload as validated but undecoded JSON.
func RawJSON() Deserializer[json.RawMessage] {
	return func(b []byte) (json.RawMessage, error) {
		trimmed := bytes.TrimSpace(b)
		if len(trimmed) == 0 {
			return nil, ErrEmptyPayload
		}
		if !json.Valid(trimmed) {
			return nil, errors.New("decode json: invalid document")
		}
		return json.RawMessage(bytes.Clone(trimmed)), nil
	}
}
