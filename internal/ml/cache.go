package ml

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

const (
	// CacheHeaderSize is the fixed prefix of a data-graph model cache blob.
	CacheHeaderSize = 28

	// PipelineCacheHeaderVersionDataGraphQCOM is VK_PIPELINE_CACHE_HEADER_VERSION_DATA_GRAPH_QCOM.
	PipelineCacheHeaderVersionDataGraphQCOM uint32 = 1000629000
	// CacheTypeGenericBinaryQCOM is VK_DATA_GRAPH_MODEL_CACHE_TYPE_GENERIC_BINARY_QCOM.
	CacheTypeGenericBinaryQCOM uint32 = 0

	ToolchainVersionLength = 3
)

var (
	ErrBlobTooShort  = errors.New("model cache blob is shorter than its header")
	ErrHeaderVersion = errors.New("model cache header version is not a data graph version")
	ErrCacheType     = errors.New("model cache type is not generic binary")
	ErrHeaderSize    = errors.New("model cache header size is smaller than the header")
)

// CacheHeader is the little-endian header at the start of a pre-compiled model cache.
type CacheHeader struct {
	HeaderSize       uint32
	HeaderVersion    uint32
	CacheType        uint32
	CacheVersion     uint32
	ToolchainVersion [ToolchainVersionLength]uint32
}

// ParseCacheHeader decodes and checks the header of blob. The blob is not modified or retained.
func ParseCacheHeader(blob []byte) (CacheHeader, error) {
	if len(blob) < CacheHeaderSize {
		return CacheHeader{}, errors.Wrapf(ErrBlobTooShort, "%d bytes", len(blob))
	}

	h := CacheHeader{
		HeaderSize:    binary.LittleEndian.Uint32(blob[0:]),
		HeaderVersion: binary.LittleEndian.Uint32(blob[4:]),
		CacheType:     binary.LittleEndian.Uint32(blob[8:]),
		CacheVersion:  binary.LittleEndian.Uint32(blob[12:]),
	}
	for i := range h.ToolchainVersion {
		h.ToolchainVersion[i] = binary.LittleEndian.Uint32(blob[16+4*i:])
	}

	switch {
	case h.HeaderVersion != PipelineCacheHeaderVersionDataGraphQCOM:
		return h, errors.Wrapf(ErrHeaderVersion, "got %d", h.HeaderVersion)
	case h.CacheType != CacheTypeGenericBinaryQCOM:
		return h, errors.Wrapf(ErrCacheType, "got %d", h.CacheType)
	case h.HeaderSize < CacheHeaderSize:
		return h, errors.Wrapf(ErrHeaderSize, "got %d", h.HeaderSize)
	}
	return h, nil
}

// ValidateModelCache reports whether blob starts with a usable data-graph model cache header
// and, if so, the cache version it declares.
func ValidateModelCache(blob []byte) (uint32, bool) {
	h, err := ParseCacheHeader(blob)
	if err != nil {
		return 0, false
	}
	return h.CacheVersion, true
}

// MarshalBinary encodes the header in its on-disk layout.
func (h CacheHeader) MarshalBinary() ([]byte, error) {
	out := make([]byte, CacheHeaderSize)
	binary.LittleEndian.PutUint32(out[0:], h.HeaderSize)
	binary.LittleEndian.PutUint32(out[4:], h.HeaderVersion)
	binary.LittleEndian.PutUint32(out[8:], h.CacheType)
	binary.LittleEndian.PutUint32(out[12:], h.CacheVersion)
	for i, v := range h.ToolchainVersion {
		binary.LittleEndian.PutUint32(out[16+4*i:], v)
	}
	return out, nil
}

// NewModelCache builds a blob with a valid header followed by payload.
func NewModelCache(cacheVersion uint32, payload []byte) []byte {
	header, _ := CacheHeader{
		HeaderSize:    CacheHeaderSize,
		HeaderVersion: PipelineCacheHeaderVersionDataGraphQCOM,
		CacheType:     CacheTypeGenericBinaryQCOM,
		CacheVersion:  cacheVersion,
	}.MarshalBinary()
	return append(header, payload...)
}
