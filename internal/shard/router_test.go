package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	t.Run("should join match and map ids", func(t *testing.T) {
		assert.Equal(t, "m-1:de_dust2", Key("m-1", "de_dust2"))
	})

	t.Run("derived keys are stable", func(t *testing.T) {
		assert.Equal(t, Key("m-1", "de_inferno"), Key("m-1", "de_inferno"))
		assert.NotEqual(t, Key("m-1", "de_inferno"), Key("m-1", "de_nuke"))
	})
}

func TestBucket(t *testing.T) {
	t.Run("should be deterministic and in range", func(t *testing.T) {
		k := Key("m-9", "de_mirage")
		b1 := Bucket(k, 16)
		b2 := Bucket(k, 16)
		assert.Equal(t, b1, b2)
		assert.Less(t, b1, uint32(16))
	})

	t.Run("zero buckets maps to zero", func(t *testing.T) {
		assert.Equal(t, uint32(0), Bucket("anything", 0))
	})
}

func TestStorageKeys(t *testing.T) {
	k := Key("m-1", "de_dust2")
	assert.Equal(t, "events:m-1:de_dust2", StreamKey(k))
	assert.Equal(t, "shard:lock:m-1:de_dust2", LockKey(k))
}
