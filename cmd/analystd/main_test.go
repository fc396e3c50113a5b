package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lodestarlabs/analystd/internal/config"
	"github.com/lodestarlabs/analystd/internal/vectorstore"
)

func TestStoreVectorSize(t *testing.T) {
	t.Run("follows embedder by default", func(t *testing.T) {
		cfg := &config.Config{}
		assert.Equal(t, 384, storeVectorSize(cfg, 384))
		assert.Equal(t, 768, storeVectorSize(cfg, 768))
	})

	t.Run("configured override wins", func(t *testing.T) {
		cfg := &config.Config{Qdrant: config.QdrantConfig{VectorSize: 1024}}
		assert.Equal(t, 1024, storeVectorSize(cfg, 384))
	})
}

func TestStoreVectorSize_FitsStoreConfigs(t *testing.T) {
	cfg := &config.Config{Qdrant: config.QdrantConfig{VectorSize: 512}}
	size := storeVectorSize(cfg, 384)

	qdrant := vectorstore.QdrantConfig{VectorSize: uint64(size)}
	chromem := vectorstore.ChromemConfig{VectorSize: size}

	assert.Equal(t, uint64(512), qdrant.VectorSize)
	assert.Equal(t, 512, chromem.VectorSize)
}
