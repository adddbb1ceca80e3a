package db

// --------------------------------------------------------------------------
// Schema Declarations
// --------------------------------------------------------------------------

// DatabaseConfig declares the identity and schema of one logical database.
// Drivers keep a deep copy, so mutating a config after the driver was created
// has no effect on the driver.
type DatabaseConfig struct {
	Name    string        `json:"name" yaml:"name"`
	Version int           `json:"version" yaml:"version"`
	Stores  []StoreConfig `json:"stores" yaml:"stores"`
}

// StoreConfig declares one named collection of records.
type StoreConfig struct {
	Name          string        `json:"name" yaml:"name"`
	KeyPath       string        `json:"keyPath" yaml:"keyPath"`
	AutoIncrement bool          `json:"autoIncrement,omitempty" yaml:"autoIncrement,omitempty"`
	Indexes       []IndexConfig `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// IndexConfig declares a secondary lookup path of a store.
type IndexConfig struct {
	Name       string `json:"name" yaml:"name"`
	KeyPath    string `json:"keyPath" yaml:"keyPath"`
	Unique     bool   `json:"unique,omitempty" yaml:"unique,omitempty"`
	MultiEntry bool   `json:"multiEntry,omitempty" yaml:"multiEntry,omitempty"`
}

// Store returns the config of the store with the given name.
func (c DatabaseConfig) Store(name string) (StoreConfig, bool) {
	for _, s := range c.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreConfig{}, false
}

// Clone returns a deep copy of the config.
func (c DatabaseConfig) Clone() DatabaseConfig {
	out := DatabaseConfig{Name: c.Name, Version: c.Version}
	out.Stores = make([]StoreConfig, len(c.Stores))
	for i, s := range c.Stores {
		out.Stores[i] = s.Clone()
	}
	return out
}

// Clone returns a deep copy of the store config.
func (s StoreConfig) Clone() StoreConfig {
	out := s
	if s.Indexes != nil {
		out.Indexes = make([]IndexConfig, len(s.Indexes))
		copy(out.Indexes, s.Indexes)
	}
	return out
}

// Index returns the index with the given name.
func (s StoreConfig) Index(name string) (IndexConfig, bool) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexConfig{}, false
}

// IndexOnField returns the first index whose key path is the given field.
func (s StoreConfig) IndexOnField(field string) (IndexConfig, bool) {
	for _, idx := range s.Indexes {
		if idx.KeyPath == field {
			return idx, true
		}
	}
	return IndexConfig{}, false
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

// Operator is the comparison applied by a QueryCondition.
type Operator string

const (
	OpEq      Operator = "eq"
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
	OpBetween Operator = "between" // Value must be a 2-element slice, both bounds inclusive
	OpIn      Operator = "in"      // Value must be a slice
	OpLike    Operator = "like"    // case-insensitive substring
)

// Valid reports whether the operator is known.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpGt, OpGte, OpLt, OpLte, OpBetween, OpIn, OpLike:
		return true
	default:
		return false
	}
}

// QueryCondition is a single predicate. A query is the conjunction of its conditions.
type QueryCondition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Direction is the sort direction of an OrderBy.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// OrderBy sorts query results by the total value order of a field.
type OrderBy struct {
	Field     string    `json:"field" yaml:"field"`
	Direction Direction `json:"direction" yaml:"direction"`
}

// QueryOptions post-process a query: sort, then offset, then limit.
// A Limit <= 0 means no limit.
type QueryOptions struct {
	OrderBy *OrderBy `json:"orderBy,omitempty" yaml:"orderBy,omitempty"`
	Limit   int      `json:"limit,omitempty" yaml:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// OperationType is the kind of step in a transaction batch.
type OperationType string

const (
	TxAdd    OperationType = "add"
	TxPut    OperationType = "put"
	TxDelete OperationType = "delete"
	TxUpdate OperationType = "update" // get by key, shallow-merge Data, put
)

// TransactionOperation is one step of an atomic batch.
type TransactionOperation struct {
	Type  OperationType `json:"type" yaml:"type"`
	Store string        `json:"store" yaml:"store"`
	Data  Record        `json:"data,omitempty" yaml:"data,omitempty"`
	Key   any           `json:"key,omitempty" yaml:"key,omitempty"`
}

// Stores returns the distinct store names touched by the batch in order of first use.
func Stores(ops []TransactionOperation) []string {
	seen := make(map[string]struct{}, len(ops))
	var out []string
	for _, op := range ops {
		if _, ok := seen[op.Store]; ok {
			continue
		}
		seen[op.Store] = struct{}{}
		out = append(out, op.Store)
	}
	return out
}

// --------------------------------------------------------------------------
// Synchronization
// --------------------------------------------------------------------------

// SyncOperation is the kind of change captured in the pending change log.
type SyncOperation string

const (
	SyncCreate SyncOperation = "create"
	SyncUpdate SyncOperation = "update"
	SyncDelete SyncOperation = "delete"
)

// SyncRecord is one entry of the pending change log.
// Timestamp is in unix milliseconds.
type SyncRecord struct {
	Store     string        `json:"store"`
	ID        string        `json:"id"`
	Operation SyncOperation `json:"operation"`
	Data      Record        `json:"data,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// LogKey returns the "<store>:<id>" key under which the record is kept in the pending log.
func (r SyncRecord) LogKey() string {
	return r.Store + ":" + r.ID
}
