// Package codec converts values to and from the byte payloads kept by
// providers, remote stores and the snapshot slot.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName returns one of the built-in codecs: "json" (or ""), "cbor",
// "msgpack" or "proto".
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case "", "json":
		return JSON[V]{}, nil
	case "cbor":
		c, err := NewCBOR[V](false)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "msgpack":
		return Msgpack[V]{}, nil
	case "proto":
		return Proto[V]{}, nil
	default:
		return nil, &UnknownError{Name: name}
	}
}

// UnknownError is returned by ByName for an unsupported codec name.
type UnknownError struct{ Name string }

func (e *UnknownError) Error() string { return "codec: unknown codec " + `"` + e.Name + `"` }
