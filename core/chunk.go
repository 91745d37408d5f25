package core

// Well-known chunk metadata keys.
const (
	MetaChunkIndex  = "chunk_index"
	MetaChunkSize   = "chunk_size"
	MetaChunkType   = "chunk_type"
	MetaQuality     = "quality"
	MetaDocumentID  = "document_id"
	MetaStartOffset = "start_offset"
	MetaEndOffset   = "end_offset"
)

// Chunk is a contiguous span of a document's text sized for embedding.
type Chunk struct {
	Text     string
	Index    int
	Metadata map[string]any
}

// Info returns the wire form of the chunk.
func (c Chunk) Info() ChunkInfo {
	return ChunkInfo{Text: c.Text, Index: c.Index}
}

// ChunkInfos converts chunks to their wire form.
func ChunkInfos(chunks []Chunk) []ChunkInfo {
	infos := make([]ChunkInfo, len(chunks))
	for i, c := range chunks {
		infos[i] = c.Info()
	}
	return infos
}

// VectorInfo pairs a vector with the index of the chunk it was computed from.
type VectorInfo struct {
	ChunkIndex int       `json:"chunk_index"`
	Vector     []float32 `json:"vector"`
}
