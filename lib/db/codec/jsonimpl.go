package codec

import (
	"encoding/json"

	"github.com/ValentinKolb/uStore/lib/db"
)

// NewJSONCodec creates a new codec using json encoding
func NewJSONCodec() ICodec {
	return &jsonCodecImpl{}
}

// jsonCodecImpl implements the ICodec interface using json encoding
type jsonCodecImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.ICodec)
// --------------------------------------------------------------------------

func (j jsonCodecImpl) Name() string {
	return "json"
}

func (j jsonCodecImpl) Marshal(r map[string]any) ([]byte, error) {
	return json.Marshal(r)
}

func (j jsonCodecImpl) Unmarshal(b []byte) (map[string]any, error) {
	var r map[string]any
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return db.CloneRecord(r), nil
}
