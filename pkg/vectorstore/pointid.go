package vectorstore

import (
	"crypto/sha256"

	"github.com/google/uuid"
)

// PointID derives the vector point id from an event's uniqueId: the
// first 16 bytes of SHA-256, stamped with RFC 4122 version 4 and
// variant bits. Equal uniqueIds always map to the same id, which makes
// upserts deduplicate. An empty uniqueId gets a fresh random id and is
// deliberately not deduplicated.
func PointID(uniqueID string) uuid.UUID {
	if uniqueID == "" {
		return uuid.New()
	}
	sum := sha256.Sum256([]byte(uniqueID))
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}
