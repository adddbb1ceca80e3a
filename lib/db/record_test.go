package db

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{1, 1.0},
		{"1", 1.0},
		{"1.5", 1.5},
		{"-3", -3.0},
		{"01", "01"},
		{"1.0", "1.0"},
		{"-0", "-0"},
		{"NaN", "NaN"},
		{"Inf", "Inf"},
		{"abc", "abc"},
	}
	for _, tt := range tests {
		got := CanonicalKey(tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
		assert.Equal(t, KeyString(tt.in), KeyString(got), "%v", tt.in)
	}
}

func TestNonFinite(t *testing.T) {
	_, bad := NonFinite(Normalize(map[string]any{"a": 1, "b": []any{"x", 2.5}}))
	assert.False(t, bad)

	at, bad := NonFinite(Normalize(map[string]any{"score": math.Inf(1)}))
	assert.True(t, bad)
	assert.Equal(t, "score", at)

	at, bad = NonFinite(Normalize(map[string]any{"a": map[string]any{"b": []any{1, math.NaN()}}}))
	assert.True(t, bad)
	assert.Equal(t, "a.b[1]", at)
}

func TestConfigNames(t *testing.T) {
	cfg := DatabaseConfig{Name: "app", Version: 1, Stores: []StoreConfig{{Name: "users", KeyPath: "id"}}}
	assert.NoError(t, cfg.Validate())

	cfg.Name = "app/users"
	assert.True(t, errors.Is(cfg.Validate(), ErrValidation))

	cfg.Name = "app"
	cfg.Stores[0].Name = "users|x"
	assert.True(t, errors.Is(cfg.Validate(), ErrValidation))
}
