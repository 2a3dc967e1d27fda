package model

type EntityType string

const (
	EntitySession   EntityType = "session"
	EntityMachine   EntityType = "machine"
	EntityArtifact  EntityType = "artifact"
	EntityAccessKey EntityType = "access-key"
)

func ValidEntityType(t EntityType) bool {
	switch t {
	case EntitySession, EntityMachine, EntityArtifact, EntityAccessKey:
		return true
	}
	return false
}

// Entity is the versioned envelope shared by all synced record kinds. The
// payload is an encrypted blob; the server only manages the version and
// lifecycle metadata around it.
type Entity struct {
	Type         EntityType
	ID           string
	AccountID    string
	Version      int64
	Payload      []byte
	Active       bool
	LastActiveAt int64
	CreatedAt    int64
	UpdatedAt    int64
}
