// Package sync implements project partition download, upload and merge.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maplog/fieldsync/internal/common/errors"
	"github.com/maplog/fieldsync/internal/common/logger"
	"github.com/maplog/fieldsync/internal/common/result"
	"github.com/maplog/fieldsync/internal/project"
	"github.com/maplog/fieldsync/internal/project/conflict"
)

// Crypto is the opaque encryption collaborator. Decrypt reports ok=false
// when the record cannot be decrypted (revoked group membership and the
// like); callers skip that record instead of failing the partition.
type Crypto interface {
	Encrypt(ctx context.Context, payload []byte, userID, groupID string) (chunks []string, err error)
	Decrypt(ctx context.Context, encryptedAt int64, chunks []string, userID, groupID string) (payload []byte, ok bool)
}

// Documents is the fragment document contract. Satisfied by docstore.Store.
type Documents interface {
	QueryPartition(ctx context.Context, key project.PartitionKey) ([]project.Fragment, error)
	DeletePartition(ctx context.Context, key project.PartitionKey) error
	WriteFragments(ctx context.Context, frags []project.Fragment) error
}

// Config holds sync limits.
type Config struct {
	// UploadChunkBytes is the byte budget for one stored ciphertext chunk.
	// Independent from the track chunk point-count limit.
	UploadChunkBytes int
}

// Repository moves project data sets between the document store and
// plaintext, one partition at a time.
type Repository struct {
	cfg    Config
	docs   Documents
	crypto Crypto
	userID string
	logger *zap.Logger
}

// NewRepository creates a repository acting as localUserID.
func NewRepository(cfg Config, docs Documents, crypto Crypto, localUserID string) *Repository {
	return &Repository{
		cfg:    cfg,
		docs:   docs,
		crypto: crypto,
		userID: localUserID,
		logger: logger.WithComponent("ProjectSync"),
	}
}

// DownloadPartition fetches, reassembles and decrypts every data set stored
// under the partition key. Fragments are grouped by DataID and sorted by
// ChunkIndex before decryption. A data set that cannot be decrypted or
// parsed is dropped with a warning, not treated as fatal for the partition.
func (r *Repository) DownloadPartition(ctx context.Context, key project.PartitionKey) ([]project.DataSet, error) {
	frags, err := r.docs.QueryPartition(ctx, key)
	if err != nil {
		return nil, errors.E("Repository.DownloadPartition", errors.ErrPartitionFetch, err)
	}

	// Group fragments by data set, keeping first-seen order.
	var order []string
	groups := make(map[string][]project.Fragment)
	for _, f := range frags {
		if _, seen := groups[f.DataID]; !seen {
			order = append(order, f.DataID)
		}
		groups[f.DataID] = append(groups[f.DataID], f)
	}

	sets := make([]project.DataSet, 0, len(order))
	for _, dataID := range order {
		group := groups[dataID]
		sort.Slice(group, func(i, j int) bool { return group[i].ChunkIndex < group[j].ChunkIndex })

		chunks := make([]string, len(group))
		for i, f := range group {
			chunks[i] = f.Ciphertext
		}

		payload, ok := r.crypto.Decrypt(ctx, group[0].EncryptedAt, chunks, group[0].UserID, key.ProjectID)
		if !ok {
			r.logger.Warn("cannot decrypt data set, skipping",
				zap.String("data_id", dataID),
				zap.String("owner", group[0].UserID),
			)
			continue
		}

		var set project.DataSet
		if err := json.Unmarshal(payload, &set); err != nil {
			r.logger.Warn("cannot parse data set, skipping",
				zap.String("data_id", dataID),
				zap.Error(err),
			)
			continue
		}
		sets = append(sets, set)
	}

	r.logger.Debug("partition downloaded",
		zap.String("project_id", key.ProjectID),
		zap.String("permission", string(key.Permission)),
		zap.Int("data_sets", len(sets)),
	)
	return sets, nil
}

// UploadPartition encrypts the data sets, splits ciphertext into fragments
// and replaces the partition's stored fragments. Delete-then-write, not
// in-place patch, so a shrink leaves no orphaned stale fragments.
func (r *Repository) UploadPartition(ctx context.Context, key project.PartitionKey, sets []project.DataSet) result.Result {
	if !key.Permission.Valid() {
		return result.Failf("unknown permission class %q", key.Permission)
	}

	// Build all fragments before touching the store so an encrypt failure
	// cannot leave the partition deleted.
	var frags []project.Fragment
	now := time.Now().UnixMilli()
	for _, set := range sets {
		payload, err := json.Marshal(set)
		if err != nil {
			return result.FailErr(err)
		}
		chunks, err := r.crypto.Encrypt(ctx, payload, key.UserID, key.ProjectID)
		if err != nil {
			return result.FailErr(err)
		}
		dataID := uuid.New().String()
		for i, chunk := range chunks {
			if r.cfg.UploadChunkBytes > 0 && len(chunk) > r.cfg.UploadChunkBytes {
				return result.FailErr(errors.E("Repository.UploadPartition", errors.ErrUploadTooLarge, nil,
					"ciphertext chunk exceeds the upload byte budget"))
			}
			frags = append(frags, project.Fragment{
				ID:          uuid.New().String(),
				ProjectID:   key.ProjectID,
				LayerID:     set.LayerID,
				DataID:      dataID,
				Permission:  key.Permission,
				UserID:      key.UserID,
				ChunkIndex:  i,
				Ciphertext:  chunk,
				EncryptedAt: now,
			})
		}
	}

	if err := r.docs.DeletePartition(ctx, key); err != nil {
		return result.FailErr(err)
	}
	if err := r.docs.WriteFragments(ctx, frags); err != nil {
		return result.FailErr(err)
	}

	r.logger.Info("partition uploaded",
		zap.String("project_id", key.ProjectID),
		zap.String("permission", string(key.Permission)),
		zap.Int("data_sets", len(sets)),
		zap.Int("fragments", len(frags)),
	)
	return result.OK()
}

// PartitionBundle holds the partitions fetched by one download combination.
type PartitionBundle struct {
	Private  []project.DataSet `json:"private,omitempty"`
	Public   []project.DataSet `json:"public,omitempty"`
	Common   []project.DataSet `json:"common,omitempty"`
	Template []project.DataSet `json:"template,omitempty"`
}

// DownloadAllData fetches the private, public, common and template
// partitions. All-or-nothing: the first failing partition aborts the whole
// download with its message and nothing is returned.
func (r *Repository) DownloadAllData(ctx context.Context, projectID string) (*PartitionBundle, result.Result) {
	return r.fetch(ctx, projectID,
		project.PermissionPrivate, project.PermissionPublic,
		project.PermissionCommon, project.PermissionTemplate)
}

// DownloadPublicAndCommonData fetches the public and common partitions.
func (r *Repository) DownloadPublicAndCommonData(ctx context.Context, projectID string) (*PartitionBundle, result.Result) {
	return r.fetch(ctx, projectID, project.PermissionPublic, project.PermissionCommon)
}

// DownloadPublicData fetches the public partition.
func (r *Repository) DownloadPublicData(ctx context.Context, projectID string) (*PartitionBundle, result.Result) {
	return r.fetch(ctx, projectID, project.PermissionPublic)
}

// DownloadPrivateData fetches the local user's private partition.
func (r *Repository) DownloadPrivateData(ctx context.Context, projectID string) (*PartitionBundle, result.Result) {
	return r.fetch(ctx, projectID, project.PermissionPrivate)
}

// DownloadTemplateData fetches the template partition.
func (r *Repository) DownloadTemplateData(ctx context.Context, projectID string) (*PartitionBundle, result.Result) {
	return r.fetch(ctx, projectID, project.PermissionTemplate)
}

func (r *Repository) fetch(ctx context.Context, projectID string, perms ...project.Permission) (*PartitionBundle, result.Result) {
	bundle := &PartitionBundle{}
	for _, perm := range perms {
		key := project.PartitionKey{ProjectID: projectID, Permission: perm}
		if perm == project.PermissionPrivate {
			key.UserID = r.userID
		}

		sets, err := r.DownloadPartition(ctx, key)
		if err != nil {
			r.logger.Warn("partition fetch failed, aborting download",
				zap.String("permission", string(perm)),
				zap.Error(err),
			)
			return nil, result.FailErr(err)
		}

		switch perm {
		case project.PermissionPrivate:
			bundle.Private = sets
		case project.PermissionPublic:
			bundle.Public = sets
		case project.PermissionCommon:
			bundle.Common = sets
		case project.PermissionTemplate:
			bundle.Template = sets
		}
	}
	return bundle, result.OK()
}

// MergedData is the outcome of a merge: per-layer data sets of the records
// that merged cleanly, plus the conflict groups that need resolution.
type MergedData struct {
	Layers    []project.DataSet `json:"layers"`
	Conflicts []conflict.Group  `json:"conflicts,omitempty"`
}

// recordVersion pairs a record with its canonical encoding during merge.
type recordVersion struct {
	record    project.Record
	canonical []byte
}

// CreateMergedDataSet combines partitions per layer. Records present in more
// than one partition with the same id and differing content are never
// silently overwritten: they are pulled out of the merged layers and
// surfaced as conflict groups instead. Content equality is decided on the
// canonical JSON encoding.
func (r *Repository) CreateMergedDataSet(bundle *PartitionBundle) (*MergedData, result.Result) {
	var layerOrder []string
	perms := make(map[string]project.Permission)
	recordOrder := make(map[string][]string)
	versions := make(map[string]map[string][]recordVersion) // layer -> record id -> versions

	for _, sets := range [][]project.DataSet{bundle.Private, bundle.Public, bundle.Common, bundle.Template} {
		for _, set := range sets {
			if _, ok := versions[set.LayerID]; !ok {
				layerOrder = append(layerOrder, set.LayerID)
				perms[set.LayerID] = set.Permission
				versions[set.LayerID] = make(map[string][]recordVersion)
			}
			for _, rec := range set.Records {
				canonical, err := rec.Canonical()
				if err != nil {
					return nil, result.FailErr(err)
				}
				if len(versions[set.LayerID][rec.ID]) == 0 {
					recordOrder[set.LayerID] = append(recordOrder[set.LayerID], rec.ID)
				}
				versions[set.LayerID][rec.ID] = append(versions[set.LayerID][rec.ID], recordVersion{rec, canonical})
			}
		}
	}

	merged := &MergedData{}
	for _, layerID := range layerOrder {
		layer := project.DataSet{LayerID: layerID, Permission: perms[layerID]}
		for _, recID := range recordOrder[layerID] {
			vs := versions[layerID][recID]
			if group, ok := detectConflict(recID, layerID, vs); ok {
				merged.Conflicts = append(merged.Conflicts, group)
				continue
			}
			layer.Records = append(layer.Records, vs[0].record)
		}
		merged.Layers = append(merged.Layers, layer)
	}

	if len(merged.Conflicts) > 0 {
		r.logger.Warn("merge produced conflicts", zap.Int("count", len(merged.Conflicts)))
	}
	return merged, result.OK()
}

// detectConflict reports whether the versions of one record disagree. Equal
// duplicates are not conflicts.
func detectConflict(recordID, layerID string, versions []recordVersion) (conflict.Group, bool) {
	differing := false
	for _, v := range versions[1:] {
		if !bytes.Equal(v.canonical, versions[0].canonical) {
			differing = true
			break
		}
	}
	if !differing {
		return conflict.Group{}, false
	}

	group := conflict.Group{RecordID: recordID, LayerID: layerID}
	for _, v := range versions {
		group.Candidates = append(group.Candidates, conflict.Candidate{
			Record:    v.record,
			UserID:    v.record.UserID,
			UpdatedAt: v.record.UpdatedAt,
		})
	}
	return group, true
}
