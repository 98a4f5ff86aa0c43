package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePool(t *testing.T) {
	tests := []struct {
		in      string
		want    Pool
		wantErr bool
	}{
		{"gpu", PoolGPU, false},
		{"CPU", PoolCPU, false},
		{" gpu ", PoolGPU, false},
		{"disk", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePool(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("default")
	require.NoError(t, err)
	assert.Equal(t, ScopeDefault, s)

	s, err = ParseScope("scene")
	require.NoError(t, err)
	assert.Equal(t, ScopeOverride, s)

	_, err = ParseScope("user")
	assert.Error(t, err)
}

func TestPoolNames(t *testing.T) {
	assert.Equal(t, "gpu", PoolGPU.String())
	assert.Equal(t, "CPU", PoolCPU.Label())
	assert.False(t, Pool(7).Valid())
	assert.Equal(t, "pool(7)", Pool(7).String())
}
