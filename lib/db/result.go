package db

// Result is the single return shape of every public facade operation.
// Success=false implies a zero Data and a non-empty Error. Count is set for
// bulk and affecting operations.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Count   int    `json:"count,omitempty"`

	err error
}

// Ok creates a successful result.
func Ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// OkCount creates a successful result carrying a count.
func OkCount[T any](data T, count int) Result[T] {
	return Result[T]{Success: true, Data: data, Count: count}
}

// Fail creates a failed result from err.
func Fail[T any](err error) Result[T] {
	if err == nil {
		err = NewError(KindBackend, "unknown failure")
	}
	return Result[T]{Success: false, Error: err.Error(), err: err}
}

// Err returns the typed cause of a failed result, nil on success.
// Use errors.Is(res.Err(), db.ErrConflict) to inspect the failure kind.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	if r.err == nil {
		return NewError(KindBackend, r.Error)
	}
	return r.err
}

// Unwrap returns Data and Err() as a regular Go pair.
func (r Result[T]) Unwrap() (T, error) {
	return r.Data, r.Err()
}
