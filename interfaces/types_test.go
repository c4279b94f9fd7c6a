package interfaces

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIDRoundTrip(t *testing.T) {
	id := NewKeyID("alice", 7)
	assert.Equal(t, KeyID("qk_alice_000007"), id)

	owner, seq, err := ParseKeyID(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, uint64(7), seq)

	// Owners may contain underscores; the sequence is the final segment.
	id = NewKeyID("dept_a_node_1", 123456)
	owner, seq, err = ParseKeyID(id)
	require.NoError(t, err)
	assert.Equal(t, "dept_a_node_1", owner)
	assert.Equal(t, uint64(123456), seq)
	assert.Equal(t, "dept_a_node_1", id.Owner())
}

func TestParseKeyIDMalformed(t *testing.T) {
	for _, raw := range []string{"", "alice_000001", "qk_", "qk_alice", "qk_alice_", "qk_alice_xyz"} {
		_, _, err := ParseKeyID(KeyID(raw))
		assert.Error(t, err, raw)
		assert.Empty(t, KeyID(raw).Owner())
	}
}

func TestPoolConfigValidate(t *testing.T) {
	valid := PoolConfig{TargetSize: 10, MaxKeys: 20, KeySize: 32, LowWatermark: 0.2, EmergencyWatermark: 0.05}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.MaxKeys = 5 // below target
	assert.Error(t, bad.Validate())

	bad = valid
	bad.EmergencyWatermark = 0.5 // above the low watermark
	assert.Error(t, bad.Validate())

	bad = valid
	bad.LowWatermark = 1.0
	assert.Error(t, bad.Validate())
}

func TestInsufficientKeysErrorUnwrap(t *testing.T) {
	short := &InsufficientKeysError{Owner: "alice", Requested: 5, Available: 2}
	assert.ErrorIs(t, short, ErrInsufficientKeys)
	assert.NotErrorIs(t, short, ErrPoolExhausted)

	empty := &InsufficientKeysError{Owner: "alice", Requested: 5, Available: 0}
	assert.ErrorIs(t, empty, ErrPoolExhausted)
}

func TestKeyNotUsableErrorUnwrap(t *testing.T) {
	consumed := &KeyNotUsableError{ID: NewKeyID("alice", 1), State: KeyStatusConsumed}
	assert.ErrorIs(t, consumed, ErrAlreadyConsumed)

	expired := &KeyNotUsableError{ID: NewKeyID("alice", 1), State: KeyStatusExpired}
	assert.ErrorIs(t, expired, ErrKeyExpired)
}
