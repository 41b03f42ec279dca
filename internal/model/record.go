package model

// Record pairs a key with its value. Records with equal keys and equal
// values are equal.
type Record[K any, V any] struct {
	Key   K
	Value V
}

func NewRecord[K any, V any](key K, value V) Record[K, V] {
	return Record[K, V]{Key: key, Value: value}
}
