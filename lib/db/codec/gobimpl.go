package codec

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/uStore/lib/db"
)

func init() {
	// concrete types that appear behind interface values in a record
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// NewGOBCodec creates a new codec using Go's binary gob format
func NewGOBCodec() ICodec {
	return &gobCodecImpl{}
}

// gobCodecImpl implements the ICodec interface using gob encoding
type gobCodecImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.ICodec)
// --------------------------------------------------------------------------

func (g gobCodecImpl) Name() string {
	return "gob"
}

func (g gobCodecImpl) Marshal(r map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(db.CloneRecord(r)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gobCodecImpl) Unmarshal(b []byte) (map[string]any, error) {
	var r map[string]any
	dec := gob.NewDecoder(bytes.NewBuffer(b))
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return db.CloneRecord(r), nil
}
