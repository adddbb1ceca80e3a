package codec

import (
	"github.com/ValentinKolb/uStore/lib/db"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
)

// NewBSONCodec creates a new codec using the MongoDB bson format
func NewBSONCodec() ICodec {
	return &bsonCodecImpl{}
}

// bsonCodecImpl implements the ICodec interface using bson encoding.
// Nested documents decode as bson.M and arrays as bson.A, both are converted
// back to plain maps and slices.
type bsonCodecImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.ICodec)
// --------------------------------------------------------------------------

func (c bsonCodecImpl) Name() string {
	return "bson"
}

func (c bsonCodecImpl) Marshal(r map[string]any) ([]byte, error) {
	if r == nil {
		r = map[string]any{}
	}
	return bson.Marshal(bson.M(db.CloneRecord(r)))
}

func (c bsonCodecImpl) Unmarshal(b []byte) (map[string]any, error) {
	dec, err := bson.NewDecoder(bsonrw.NewBSONDocumentReader(b))
	if err != nil {
		return nil, err
	}
	dec.DefaultDocumentM()

	var m bson.M
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	out, _ := db.Normalize(map[string]any(m)).(map[string]any)
	return out, nil
}
