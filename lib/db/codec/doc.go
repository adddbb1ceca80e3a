// Package codec provides the record serialization used by the sql backend to
// store records as blobs. It defines a common interface and multiple
// implementations with different trade-offs.
//
// Key Components:
//
//   - ICodec: Core interface that all codecs satisfy.
//
//   - jsonCodecImpl: JSON encoding. The default; blobs stay readable with the
//     sqlite shell and interoperate with other tools.
//
//   - gobCodecImpl: Go's gob encoding. Larger and slower than JSON for small
//     records because every blob carries its own type description.
//
//   - bsonCodecImpl: MongoDB's bson encoding. Compact for numeric-heavy
//     records and self-describing.
//
// All codecs return normalized records, so a record read back through any of
// them compares equal to the record read from the other backends.
//
// Thread Safety:
//
//	All codecs are stateless and safe for concurrent use.
//
// Usage:
//
//	c, err := codec.ByName("bson")
//	blob, err := c.Marshal(record)
//	record, err = c.Unmarshal(blob)
package codec
