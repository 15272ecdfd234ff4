package eventer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCallback(*Event, Mask, any, time.Time) Mask { return 0 }

func anotherCallback(*Event, Mask, any, time.Time) Mask { return 0 }

func TestRegistryNameCallback(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.NameCallback("sample", sampleCallback))
	assert.Equal(t, "sample", r.NameForCallback(sampleCallback))

	// re-registering the same (name, fn) pair is a no-op.
	require.NoError(t, r.NameCallback("sample", sampleCallback))

	// registering the name again for a different fn fails.
	err := r.NameCallback("sample", anotherCallback)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegistryUnregisteredSynthesizesName(t *testing.T) {
	r := NewRegistry()
	name := r.NameForCallback(anotherCallback)
	assert.NotEmpty(t, name)
	assert.Contains(t, name, "0x")
}

func TestRegistryDescriber(t *testing.T) {
	r := NewRegistry()
	d := func(e *Event, closure any) string { return "extra" }
	require.NoError(t, r.NameCallbackExt("described", sampleCallback, d))
	assert.Equal(t, "described extra", r.NameFor(sampleCallback, nil))
}

func TestRegistryCallbackForName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.NameCallback("sample", sampleCallback))
	fn, ok := r.CallbackForName("sample")
	require.True(t, ok)
	assert.NotNil(t, fn)

	_, ok = r.CallbackForName("missing")
	assert.False(t, ok)
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.NameCallback("a", sampleCallback))
	require.NoError(t, r.NameCallback("b", anotherCallback))
	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
