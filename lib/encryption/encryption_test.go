package encryption

import (
	"errors"
	"strings"
	"testing"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEncryptor(t *testing.T, cfg Config) *Encryptor {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestValueRoundTrip(t *testing.T) {
	values := []any{"secret", "", 42.0, true, nil, []any{"a", 1.0}, map[string]any{"x": []any{false}}}

	for _, alg := range []string{AlgorithmAESGCM, AlgorithmXChaCha} {
		t.Run(alg, func(t *testing.T) {
			e := newEncryptor(t, Config{Enabled: true, Key: "passphrase", Algorithm: alg})
			assert.Equal(t, alg, e.Algorithm())

			for _, v := range values {
				sealed, err := e.EncryptValue(v)
				require.NoError(t, err)
				assert.True(t, IsEncrypted(sealed))
				if _, ok := v.(string); ok {
					assert.False(t, strings.HasPrefix(sealed, JSONPrefix))
				} else {
					assert.True(t, strings.HasPrefix(sealed, JSONPrefix))
				}

				plain, err := e.DecryptValue(sealed)
				require.NoError(t, err)
				assert.Equal(t, v, plain)
			}
		})
	}
}

func TestFreshNonce(t *testing.T) {
	e := newEncryptor(t, Config{Enabled: true, Key: "k"})
	a, err := e.EncryptValue("same")
	require.NoError(t, err)
	b, err := e.EncryptValue("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestWrongKey(t *testing.T) {
	e := newEncryptor(t, Config{Enabled: true, Key: "right"})
	other := newEncryptor(t, Config{Enabled: true, Key: "wrong"})

	sealed, err := e.EncryptValue("secret")
	require.NoError(t, err)

	_, err = other.DecryptValue(sealed)
	assert.True(t, errors.Is(err, db.ErrCrypto))

	_, err = e.DecryptValue("encrypted:%%%")
	assert.True(t, errors.Is(err, db.ErrCrypto))
	_, err = e.DecryptValue("plain")
	assert.True(t, errors.Is(err, db.ErrCrypto))
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := New(Config{Enabled: true, Key: "k", Algorithm: "ROT13"})
	assert.True(t, errors.Is(err, db.ErrValidation))
}

func TestPassThrough(t *testing.T) {
	r := db.Record{"id": "a", "ssn": "123"}
	for _, cfg := range []Config{
		{Enabled: false, Key: "k", Fields: []string{"ssn"}},
		{Enabled: true, Key: "", Fields: []string{"ssn"}},
	} {
		e := newEncryptor(t, cfg)
		assert.False(t, e.Enabled())

		out, err := e.EncryptRecord(r, "id")
		require.NoError(t, err)
		assert.Equal(t, r, out)
		assert.Equal(t, r, e.DecryptRecord(out))

		_, err = e.EncryptValue("x")
		assert.Error(t, err)
	}

	var nilEnc *Encryptor
	assert.False(t, nilEnc.Enabled())
}

func TestEncryptFields(t *testing.T) {
	e := newEncryptor(t, Config{Enabled: true, Key: "k", Fields: []string{"ssn", "card"}})

	r := db.Record{
		"id":      "u1",
		"name":    "Ada",
		"ssn":     "123-45",
		"profile": map[string]any{"card": map[string]any{"number": "4111", "cvc": 123}},
		"history": []any{map[string]any{"ssn": "old"}},
	}
	out, err := e.EncryptRecord(r, "id")
	require.NoError(t, err)

	assert.Equal(t, "u1", out["id"])
	assert.Equal(t, "Ada", out["name"])
	assert.True(t, IsEncrypted(out["ssn"]))
	assert.True(t, IsEncrypted(out["profile"].(map[string]any)["card"]))
	assert.True(t, IsEncrypted(out["history"].([]any)[0].(map[string]any)["ssn"]))
	assert.Equal(t, "123-45", r["ssn"], "input must not be modified")

	back := e.DecryptRecord(out)
	assert.Equal(t, db.CloneRecord(r), back)
	assert.Empty(t, Failed(back))
}

func TestEncryptAll(t *testing.T) {
	e := newEncryptor(t, Config{Enabled: true, Key: "k", Algorithm: AlgorithmXChaCha, EncryptAll: true})

	r := db.Record{"id": 7.0, "a": "x", "b": 2.0, "nested": map[string]any{"c": []any{true, "y"}}, "none": nil}
	out, err := e.EncryptRecord(r, "id")
	require.NoError(t, err)

	assert.Equal(t, 7.0, out["id"])
	assert.True(t, IsEncrypted(out["a"]))
	assert.True(t, IsEncrypted(out["b"]))
	leaves := out["nested"].(map[string]any)["c"].([]any)
	assert.True(t, IsEncrypted(leaves[0]))
	assert.True(t, IsEncrypted(leaves[1]))
	assert.Nil(t, out["none"])

	assert.Equal(t, db.CloneRecord(r), e.DecryptRecord(out))
}

func TestNestedKeyPathStaysPlain(t *testing.T) {
	e := newEncryptor(t, Config{Enabled: true, Key: "k", EncryptAll: true})
	out, err := e.EncryptRecord(db.Record{"meta": map[string]any{"id": "x", "v": "y"}}, "meta.id")
	require.NoError(t, err)

	meta := out["meta"].(map[string]any)
	assert.Equal(t, "x", meta["id"])
	assert.True(t, IsEncrypted(meta["v"]))
}

func TestFailedFieldsStayTagged(t *testing.T) {
	writer := newEncryptor(t, Config{Enabled: true, Key: "one", Fields: []string{"a", "b"}})
	reader := newEncryptor(t, Config{Enabled: true, Key: "two"})

	out, err := writer.EncryptRecord(db.Record{"id": "r", "a": "x", "b": map[string]any{"n": 1.0}, "c": "plain"}, "id")
	require.NoError(t, err)

	back := reader.DecryptRecord(out)
	assert.Equal(t, "plain", back["c"])
	assert.Equal(t, out["a"], back["a"])
	assert.Equal(t, []string{"a", "b"}, Failed(back))
}
