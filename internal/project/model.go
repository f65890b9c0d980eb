// Package project defines the data model for cloud project partitions.
package project

import "encoding/json"

// Permission is the class that determines which partition a record belongs
// to and who may write it.
type Permission string

const (
	PermissionCommon   Permission = "COMMON"
	PermissionPublic   Permission = "PUBLIC"
	PermissionPrivate  Permission = "PRIVATE"
	PermissionTemplate Permission = "TEMPLATE"
)

// Valid reports whether p is a known permission class.
func (p Permission) Valid() bool {
	switch p {
	case PermissionCommon, PermissionPublic, PermissionPrivate, PermissionTemplate:
		return true
	}
	return false
}

// Record is one logical feature record in a project layer.
type Record struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName,omitempty"`
	UpdatedAt   int64           `json:"updatedAt"`
	Deleted     bool            `json:"deleted,omitempty"`
	Field       map[string]any  `json:"field,omitempty"`
	Coords      json.RawMessage `json:"coords,omitempty"`
}

// Canonical returns a canonical JSON encoding of the record, used for
// content-equality checks during merge. Map keys are emitted sorted, so two
// records with equal content always produce identical bytes.
func (r Record) Canonical() ([]byte, error) {
	return json.Marshal(r)
}

// DataSet groups one layer's records for one permission/user slice. It is
// the unit of encryption: one data set marshals to one plaintext payload.
type DataSet struct {
	LayerID    string     `json:"layerId"`
	UserID     string     `json:"userId"`
	Permission Permission `json:"permission"`
	Records    []Record   `json:"records"`
}

// PartitionKey addresses one (project, permission class, user) slice of a
// project's data. UserID is empty for the shared classes.
type PartitionKey struct {
	ProjectID  string     `json:"projectId"`
	Permission Permission `json:"permission"`
	UserID     string     `json:"userId,omitempty"`
}

// Fragment is one stored ciphertext chunk document. A data set's ciphertext
// is split across fragments sharing a DataID, ordered by ChunkIndex.
type Fragment struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	LayerID     string     `json:"layerId"`
	DataID      string     `json:"dataId"`
	Permission  Permission `json:"permission"`
	UserID      string     `json:"userId"`
	ChunkIndex  int        `json:"chunkIndex"`
	Ciphertext  string     `json:"ciphertext"`
	EncryptedAt int64      `json:"encryptedAt"`
}
