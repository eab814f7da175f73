package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamedNormalizes(t *testing.T) {
	assert.Equal(t, All, Named("ALL"))
	assert.Equal(t, Misc, Named(" misc "))
	assert.Equal(t, None, Named(""))
	assert.Equal(t, Transfer, Named("Transfer"))
	assert.Equal(t, "transfer", Transfer.String())
	assert.True(t, None.IsNone())
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name      string
		worker    Group
		requested Group
		want      bool
	}{
		{"all serves none", All, None, true},
		{"all serves named", All, Transfer, true},
		{"misc serves none", Misc, None, true},
		{"misc serves misc", Misc, Misc, true},
		{"misc rejects transfer", Misc, Transfer, false},
		{"transfer serves transfer", Transfer, Transfer, true},
		{"transfer rejects none", Transfer, None, false},
		{"transfer rejects other name", Transfer, Named("listing"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.worker, tt.requested))
		})
	}
}

func TestGroupFor(t *testing.T) {
	split := Config{Size: 3, TransferPool: true}
	assert.Equal(t, Misc, GroupFor(0, split))
	assert.Equal(t, Transfer, GroupFor(1, split))
	assert.Equal(t, Transfer, GroupFor(2, split))

	assert.Equal(t, All, GroupFor(0, Config{Size: 1, TransferPool: true}))
	assert.Equal(t, All, GroupFor(1, Config{Size: 2}))
}

func TestConfigValidate(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), ErrInvalidSize)
	assert.NoError(t, Config{Size: 1}.Validate())
}
