package kserde

import (
	"errors"
	"fmt"
)

var ErrEmptyPayload = errors.New("kserde: empty payload")

type Serde[T any] struct {
	Serializer   Serializer[T]
	Deserializer Deserializer[T]
}

type Serializer[T any] func(T) ([]byte, error)

type Deserializer[T any] func([]byte) (T, error)

// Validated runs validate on every successfully deserialized value. A
// validation failure is reported as a deserialization error.
func Validated[T any](d Deserializer[T], validate func(T) error) Deserializer[T] {
	return func(b []byte) (T, error) {
		v, err := d(b)
		if err != nil {
			return v, err
		}
		if err := validate(v); err != nil {
			return *new(T), fmt.Errorf("validate: %w", err)
		}
		return v, nil
	}
}

// Erased drops the static type of a deserializer so deserializers for
// different payload types can share one registry.
func Erased[T any](d Deserializer[T]) Deserializer[any] {
	return func(b []byte) (any, error) {
		v, err := d(b)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}
