package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChunkTTL_Fixed60(t *testing.T) {
	c := &Config{ChunkTTLFormula: ChunkTTLFixed60}
	require.Equal(t, 60*time.Second, c.ChunkTTL(1))
	require.Equal(t, 60*time.Second, c.ChunkTTL(2048))
}

func TestChunkTTL_Linear30_CapsAt180(t *testing.T) {
	c := &Config{ChunkTTLFormula: ChunkTTLLinear30}
	require.Equal(t, 180*time.Second, c.ChunkTTL(2048))
	require.Equal(t, 30*time.Second+time.Second, c.ChunkTTL(2))
}

func TestChunkTTL_Linear60Capped_IsMonotone(t *testing.T) {
	c := &Config{ChunkTTLFormula: ChunkTTLLinear60Capped}
	small := c.ChunkTTL(1)
	large := c.ChunkTTL(100)
	require.LessOrEqual(t, small, large)
	require.LessOrEqual(t, large, 180*time.Second)
	require.GreaterOrEqual(t, small, 30*time.Second)
}

func TestSelectBackend_PrefersPostgresOverRedisOverS3OverMemory(t *testing.T) {
	require.Equal(t, BackendMemory, (&Config{}).SelectBackend())
	require.Equal(t, BackendS3, (&Config{S3Bucket: "b"}).SelectBackend())
	require.Equal(t, BackendRedis, (&Config{S3Bucket: "b", RedisURL: "r"}).SelectBackend())
	require.Equal(t, BackendPostgres, (&Config{S3Bucket: "b", RedisURL: "r", DatabaseURL: "d"}).SelectBackend())
}
