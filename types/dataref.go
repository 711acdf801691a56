package types

import (
	"time"

	"github.com/google/uuid"
)

type StorageTier int32

const (
	TierNone StorageTier = 0
	// TierFastMemory is accelerator-attached memory (GPU VRAM and the like).
	TierFastMemory StorageTier = 1
	TierMainMemory StorageTier = 2
	TierDisk       StorageTier = 3
)

func (t StorageTier) String() string {
	switch t {
	case TierFastMemory:
		return "fast-memory"
	case TierMainMemory:
		return "main-memory"
	case TierDisk:
		return "disk"
	}
	return "none"
}

// Lower returns the next tier down. Disk is the floor.
func (t StorageTier) Lower() StorageTier {
	if t == TierNone || t >= TierDisk {
		return TierDisk
	}
	return t + 1
}

type DataKind string

const (
	KindTensor  DataKind = "tensor"
	KindJSON    DataKind = "json"
	KindBytes   DataKind = "bytes"
	KindKVCache DataKind = "kv_cache"
	KindFile    DataKind = "file"
)

/**
 * TypeTag is the closed type tag of a DataRef plus its kind-specific
 * metadata. Only the fields relevant to Kind are populated.
 */
type TypeTag struct {
	Kind DataKind `json:"kind"`

	// tensor
	Shape []int64 `json:"shape,omitempty"`
	DType string  `json:"dtype,omitempty"`
	// file
	MimeType string `json:"mime_type,omitempty"`
	// kv_cache
	ModelID string `json:"model_id,omitempty"`
	SeqLen  int    `json:"seq_len,omitempty"`
}

func TensorTag(shape []int64, dtype string) TypeTag {
	return TypeTag{Kind: KindTensor, Shape: shape, DType: dtype}
}

func JSONTag() TypeTag {
	return TypeTag{Kind: KindJSON}
}

func BytesTag() TypeTag {
	return TypeTag{Kind: KindBytes}
}

func KVCacheTag(modelID string, seqLen int) TypeTag {
	return TypeTag{Kind: KindKVCache, ModelID: modelID, SeqLen: seqLen}
}

func FileTag(mimeType string) TypeTag {
	return TypeTag{Kind: KindFile, MimeType: mimeType}
}

/**
 * DataRef is an immutable handle to one data artifact held by an executor
 * server. The bytes a DataRef names never change once registered; a new
 * computation always produces a new DataRef. Only Tier may be updated in
 * place, by pressure-driven eviction.
 */
type DataRef struct {
	ID         uuid.UUID   `json:"id"`
	WorkflowID uuid.UUID   `json:"workflow_id"`
	Location   string      `json:"location"`
	SizeBytes  uint64      `json:"size_bytes"`
	Type       TypeTag     `json:"type"`
	Tier       StorageTier `json:"tier"`
	CreatedAt  time.Time   `json:"created_at"`
	Checksum   string      `json:"checksum,omitempty"`
}

func (r DataRef) LocalTo(server string) bool {
	return r.Location == server
}
