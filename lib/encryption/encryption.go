package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/crypto/chacha20poly1305"
)

var Logger = logger.GetLogger("encryption")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	AlgorithmAESGCM  = "AES-256-GCM"
	AlgorithmXChaCha = "XChaCha20-Poly1305"
	DefaultAlgorithm = AlgorithmAESGCM
	Prefix           = "encrypted:"   // tag of an encrypted string
	JSONPrefix       = "encrypted:j:" // tag of an encrypted non-string value
)

// Config of the field encryption
type Config struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Key        string   `json:"key" yaml:"key"`             // passphrase, the cipher key is its SHA-256
	Algorithm  string   `json:"algorithm" yaml:"algorithm"` // empty = AES-256-GCM
	Fields     []string `json:"fields" yaml:"fields"`       // field names encrypted at any depth
	EncryptAll bool     `json:"encryptAll" yaml:"encryptAll"`
}

// --------------------------------------------------------------------------
// Encryptor
// --------------------------------------------------------------------------

// Encryptor seals record fields. A nil or disabled Encryptor passes records
// through unchanged.
type Encryptor struct {
	cfg    Config
	aead   cipher.AEAD
	fields map[string]struct{}
}

// New creates an encryptor. It is a pass-through if cfg is disabled or has no key.
func New(cfg Config) (*Encryptor, error) {
	e := &Encryptor{cfg: cfg, fields: make(map[string]struct{}, len(cfg.Fields))}
	for _, f := range cfg.Fields {
		e.fields[f] = struct{}{}
	}
	if !cfg.Enabled || cfg.Key == "" {
		return e, nil
	}

	key := sha256.Sum256([]byte(cfg.Key))
	var err error
	switch cfg.Algorithm {
	case "", AlgorithmAESGCM:
		var block cipher.Block
		if block, err = aes.NewCipher(key[:]); err == nil {
			e.aead, err = cipher.NewGCM(block)
		}
	case AlgorithmXChaCha:
		e.aead, err = chacha20poly1305.NewX(key[:])
	default:
		return nil, db.Errorf(db.KindValidation, "unknown encryption algorithm %q (expected %s or %s)", cfg.Algorithm, AlgorithmAESGCM, AlgorithmXChaCha)
	}
	if err != nil {
		return nil, db.Wrap(db.KindCrypto, "create cipher", err)
	}
	return e, nil
}

// Enabled reports whether values are actually encrypted.
func (e *Encryptor) Enabled() bool {
	return e != nil && e.aead != nil
}

// Algorithm returns the configured algorithm name.
func (e *Encryptor) Algorithm() string {
	if e == nil || e.cfg.Algorithm == "" {
		return DefaultAlgorithm
	}
	return e.cfg.Algorithm
}

// --------------------------------------------------------------------------
// Values
// --------------------------------------------------------------------------

// EncryptValue seals a single value with a fresh random nonce. Strings are
// sealed as they are, every other value as its JSON encoding.
func (e *Encryptor) EncryptValue(v any) (string, error) {
	if !e.Enabled() {
		return "", db.NewError(db.KindCrypto, "encryption is disabled")
	}
	prefix, plain := Prefix, []byte(nil)
	if s, ok := v.(string); ok {
		plain = []byte(s)
	} else {
		b, err := json.Marshal(v)
		if err != nil {
			return "", db.Wrap(db.KindValidation, "encode value", err)
		}
		prefix, plain = JSONPrefix, b
	}

	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plain)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", db.Wrap(db.KindCrypto, "generate nonce", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plain, nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptValue opens a value produced by EncryptValue.
func (e *Encryptor) DecryptValue(s string) (any, error) {
	if !e.Enabled() {
		return nil, db.NewError(db.KindCrypto, "encryption is disabled")
	}
	isJSON := strings.HasPrefix(s, JSONPrefix)
	var payload string
	switch {
	case isJSON:
		payload = strings.TrimPrefix(s, JSONPrefix)
	case strings.HasPrefix(s, Prefix):
		payload = strings.TrimPrefix(s, Prefix)
	default:
		return nil, db.NewError(db.KindCrypto, "value is not encrypted")
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, db.Wrap(db.KindCrypto, "decode ciphertext", err)
	}
	if len(raw) < e.aead.NonceSize() {
		return nil, db.NewError(db.KindCrypto, "ciphertext too short")
	}
	plain, err := e.aead.Open(nil, raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():], nil)
	if err != nil {
		return nil, db.Wrap(db.KindCrypto, "open ciphertext", err)
	}
	if !isJSON {
		return string(plain), nil
	}
	var v any
	if err := json.Unmarshal(plain, &v); err != nil {
		return nil, db.Wrap(db.KindCrypto, "decode value", err)
	}
	return db.Normalize(v), nil
}

// IsEncrypted reports whether v carries an encryption tag.
func IsEncrypted(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, Prefix)
}

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// EncryptRecord returns a copy of r with the configured fields sealed. The
// field at keyPath is never encrypted.
func (e *Encryptor) EncryptRecord(r db.Record, keyPath string) (db.Record, error) {
	out := db.CloneRecord(r)
	if !e.Enabled() || out == nil {
		return out, nil
	}
	v, err := e.encrypt(out, "", keyPath)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// encrypt walks v, sealing configured fields whole and, with EncryptAll,
// every scalar leaf.
func (e *Encryptor) encrypt(v any, path, keyPath string) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			childPath := join(path, k)
			if childPath == keyPath {
				continue
			}
			_, named := e.fields[k]
			if named && !e.cfg.EncryptAll {
				// a configured field is sealed as a whole
				if child == nil || IsEncrypted(child) {
					continue
				}
				sealed, err := e.EncryptValue(child)
				if err != nil {
					return nil, err
				}
				x[k] = sealed
				continue
			}
			enc, err := e.encrypt(child, childPath, keyPath)
			if err != nil {
				return nil, err
			}
			x[k] = enc
		}
		return x, nil
	case []any:
		for i, child := range x {
			enc, err := e.encrypt(child, join(path, strconv.Itoa(i)), keyPath)
			if err != nil {
				return nil, err
			}
			x[i] = enc
		}
		return x, nil
	case nil:
		return nil, nil
	default:
		if !e.cfg.EncryptAll || IsEncrypted(x) {
			return x, nil
		}
		return e.EncryptValue(x)
	}
}

// DecryptRecord returns a copy of r with every tagged value opened. A value
// that can not be opened stays tagged; Failed lists them.
func (e *Encryptor) DecryptRecord(r db.Record) db.Record {
	out := db.CloneRecord(r)
	if !e.Enabled() || out == nil {
		return out
	}
	return e.decrypt(out, "").(map[string]any)
}

func (e *Encryptor) decrypt(v any, path string) any {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			x[k] = e.decrypt(child, join(path, k))
		}
		return x
	case []any:
		for i, child := range x {
			x[i] = e.decrypt(child, join(path, strconv.Itoa(i)))
		}
		return x
	case string:
		if !IsEncrypted(x) {
			return x
		}
		plain, err := e.DecryptValue(x)
		if err != nil {
			Logger.Warningf("field %s: %v", path, err)
			return x
		}
		return plain
	default:
		return x
	}
}

// Failed returns the sorted paths of r that are still encrypted.
func Failed(r db.Record) []string {
	var out []string
	var walk func(v any, path string)
	walk = func(v any, path string) {
		switch x := v.(type) {
		case map[string]any:
			for k, child := range x {
				walk(child, join(path, k))
			}
		case []any:
			for i, child := range x {
				walk(child, join(path, strconv.Itoa(i)))
			}
		default:
			if IsEncrypted(x) {
				out = append(out, path)
			}
		}
	}
	walk(map[string]any(r), "")
	sort.Strings(out)
	return out
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
