package codec

import (
	"fmt"
	"strings"
)

// ICodec turns records into the blobs stored by the sql backend and back.
// Decoded records are always normalized (numbers are float64, nested values
// are []any and map[string]any), whatever the wire format produced.
type ICodec interface {
	// Name returns the codec name used in configs ("json", "gob", "bson")
	Name() string
	// Marshal encodes a record
	Marshal(r map[string]any) ([]byte, error)
	// Unmarshal decodes a record
	Unmarshal(b []byte) (map[string]any, error)
}

// ByName returns the codec registered under name. The empty name selects json.
func ByName(name string) (ICodec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return NewJSONCodec(), nil
	case "gob":
		return NewGOBCodec(), nil
	case "bson":
		return NewBSONCodec(), nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

// Names lists all available codecs.
func Names() []string {
	return []string{"json", "gob", "bson"}
}
