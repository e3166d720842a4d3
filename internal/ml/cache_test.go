package ml

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(size, version, cacheType, cacheVersion uint32) []byte {
	out := make([]byte, CacheHeaderSize)
	binary.LittleEndian.PutUint32(out[0:], size)
	binary.LittleEndian.PutUint32(out[4:], version)
	binary.LittleEndian.PutUint32(out[8:], cacheType)
	binary.LittleEndian.PutUint32(out[12:], cacheVersion)
	return out
}

func TestValidateModelCache(t *testing.T) {
	testCases := []struct {
		name            string
		blob            []byte
		expectedOK      bool
		expectedVersion uint32
		expectedErr     error
	}{
		{
			name:            "valid",
			blob:            header(28, PipelineCacheHeaderVersionDataGraphQCOM, CacheTypeGenericBinaryQCOM, 7),
			expectedOK:      true,
			expectedVersion: 7,
		},
		{
			name:            "larger header size accepted",
			blob:            header(64, PipelineCacheHeaderVersionDataGraphQCOM, CacheTypeGenericBinaryQCOM, 3),
			expectedOK:      true,
			expectedVersion: 3,
		},
		{
			name:        "wrong header version",
			blob:        header(28, 1, CacheTypeGenericBinaryQCOM, 7),
			expectedErr: ErrHeaderVersion,
		},
		{
			name:        "wrong cache type",
			blob:        header(28, PipelineCacheHeaderVersionDataGraphQCOM, 1, 7),
			expectedErr: ErrCacheType,
		},
		{
			name:        "header size too small",
			blob:        header(27, PipelineCacheHeaderVersionDataGraphQCOM, CacheTypeGenericBinaryQCOM, 7),
			expectedErr: ErrHeaderSize,
		},
		{
			name:        "empty",
			blob:        nil,
			expectedErr: ErrBlobTooShort,
		},
		{
			name:        "truncated",
			blob:        header(28, PipelineCacheHeaderVersionDataGraphQCOM, CacheTypeGenericBinaryQCOM, 7)[:27],
			expectedErr: ErrBlobTooShort,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			version, ok := ValidateModelCache(tc.blob)
			assert.Equal(t, tc.expectedOK, ok)
			assert.Equal(t, tc.expectedVersion, version)

			_, err := ParseCacheHeader(tc.blob)
			if tc.expectedErr == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tc.expectedErr), "got %v", err)
			}
		})
	}
}

func TestValidateModelCacheShortBlobsFail(t *testing.T) {
	valid := NewModelCache(1, nil)
	for n := 0; n < CacheHeaderSize; n++ {
		version, ok := ValidateModelCache(valid[:n])
		assert.False(t, ok, "length %d", n)
		assert.Zero(t, version)
	}
}

func TestValidateModelCacheRandomBlobs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		blob := make([]byte, CacheHeaderSize+rng.Intn(16))
		rng.Read(blob)
		// Force the interesting fields valid about half the time so both branches get coverage.
		if rng.Intn(2) == 0 {
			binary.LittleEndian.PutUint32(blob[4:], PipelineCacheHeaderVersionDataGraphQCOM)
			binary.LittleEndian.PutUint32(blob[8:], CacheTypeGenericBinaryQCOM)
		}
		original := append([]byte(nil), blob...)

		version, ok := ValidateModelCache(blob)

		headerSize := binary.LittleEndian.Uint32(blob[0:])
		expectOK := binary.LittleEndian.Uint32(blob[4:]) == PipelineCacheHeaderVersionDataGraphQCOM &&
			binary.LittleEndian.Uint32(blob[8:]) == CacheTypeGenericBinaryQCOM &&
			headerSize >= CacheHeaderSize

		require.Equal(t, expectOK, ok, "blob %x", blob)
		if ok {
			assert.Equal(t, binary.LittleEndian.Uint32(blob[12:]), version)
		} else {
			assert.Zero(t, version)
		}
		require.True(t, bytes.Equal(original, blob), "validator modified its input")
	}
}

func TestNewModelCache(t *testing.T) {
	blob := NewModelCache(42, []byte{1, 2, 3})
	require.Len(t, blob, CacheHeaderSize+3)

	h, err := ParseCacheHeader(blob)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), h.CacheVersion)
	assert.Equal(t, []byte{1, 2, 3}, blob[CacheHeaderSize:])
}

func TestGraphIdentifier(t *testing.T) {
	id := NewGraphIdentifier(0)
	assert.Equal(t, []byte{0, 0, 0, 0}, id.Bytes())
	assert.Len(t, id, 32)

	id = NewGraphIdentifier(0x01020304)
	assert.Equal(t, []byte{4, 3, 2, 1}, id.Bytes())
	assert.Equal(t, uint32(0x01020304), id.GraphID())
}
