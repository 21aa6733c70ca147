// Package duplicates implements the read-only duplicate suggestion engine.
// It groups live, syncable identities by configurable attribute paths and by
// uid, and reports clusters of probable duplicates for operators to review.
package duplicates

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

// Store provides the candidate rows. *identity.Repository implements it.
type Store interface {
	ListDuplicateCandidates(ctx context.Context) ([]models.Identity, error)
}

// Detector finds probable duplicate identities. It is a suggestion engine:
// it runs concurrently with upserts and tolerates stale reads.
type Detector struct {
	store  Store
	logger ectologger.Logger

	// attributePaths are the document paths whose concatenated values form
	// the first grouping key.
	attributePaths []string
}

func NewDetector(store Store, logger ectologger.Logger, attributePaths []string) *Detector {
	return &Detector{
		store:          store,
		logger:         logger,
		attributePaths: attributePaths,
	}
}

// FindDuplicates returns the duplicate clusters. When includeIgnored is
// false, pairs suppressed through either member's ignoreFusion list are
// dropped.
func (d *Detector) FindDuplicates(ctx context.Context, includeIgnored bool) ([]models.DuplicateCluster, error) {
	ctx, span := tracing.StartSpan(ctx, "duplicates.Detector.FindDuplicates")
	defer span.End()

	candidates, err := d.store.ListDuplicateCandidates(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Identity, len(candidates))
	for i := range candidates {
		byID[candidates[i].ID] = &candidates[i]
	}

	groups := d.groupByAttributes(candidates)
	groups = append(groups, groupByUID(candidates)...)

	seen := make(map[string]bool)
	var clusters []models.DuplicateCluster
	for _, group := range groups {
		sort.Strings(group)
		key1, key2 := group[0], group[1]
		pairKey := key1 + "/" + key2
		if seen[pairKey] {
			continue
		}
		seen[pairKey] = true

		if !includeIgnored && anyPairIgnored(group, byID) {
			continue
		}

		members := make([]models.DuplicateMember, 0, len(group))
		for _, id := range group {
			members = append(members, toMember(byID[id]))
		}
		clusters = append(clusters, models.DuplicateCluster{
			Key1:    key1,
			Key2:    key2,
			Members: members,
		})
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		return strings.ToLower(clusters[i].Members[0].CN) < strings.ToLower(clusters[j].Members[0].CN)
	})

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"candidates": len(candidates),
		"clusters":   len(clusters),
	}).Debug("Computed duplicate clusters")

	return clusters, nil
}

// groupByAttributes groups identities by the concatenation of the configured
// attribute paths. Identities where every path resolves empty never group.
func (d *Detector) groupByAttributes(candidates []models.Identity) [][]string {
	buckets := make(map[string][]string)
	for i := range candidates {
		doc := toDocument(&candidates[i])
		parts := make([]string, 0, len(d.attributePaths))
		empty := true
		for _, path := range d.attributePaths {
			v := valueAtPath(doc, path)
			if v != "" {
				empty = false
			}
			parts = append(parts, v)
		}
		if empty {
			continue
		}
		key := strings.Join(parts, "|")
		buckets[key] = append(buckets[key], candidates[i].ID)
	}
	return keepPlural(buckets)
}

func groupByUID(candidates []models.Identity) [][]string {
	buckets := make(map[string][]string)
	for i := range candidates {
		uid := candidates[i].Profile.GetValue().UID
		if uid == "" {
			continue
		}
		buckets[uid] = append(buckets[uid], candidates[i].ID)
	}
	return keepPlural(buckets)
}

func keepPlural(buckets map[string][]string) [][]string {
	keys := make([]string, 0, len(buckets))
	for k, ids := range buckets {
		if len(ids) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([][]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, buckets[k])
	}
	return out
}

// anyPairIgnored reports whether any two group members suppress each other.
// A one-directional entry is sufficient.
func anyPairIgnored(group []string, byID map[string]*models.Identity) bool {
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			a, b := byID[group[i]], byID[group[j]]
			if a == nil || b == nil {
				continue
			}
			if a.IgnoresFusionWith(b.ID) || b.IgnoresFusionWith(a.ID) {
				return true
			}
		}
	}
	return false
}

func toMember(identity *models.Identity) models.DuplicateMember {
	profile := identity.Profile.GetValue()
	return models.DuplicateMember{
		ID:               identity.ID,
		UID:              profile.UID,
		CN:               profile.CN,
		EmployeeNumber:   profile.EmployeeNumber,
		DepartmentNumber: profile.DepartmentNumber,
		State:            identity.State,
		LastSyncAt:       identity.LastSyncAt,
	}
}

func toDocument(identity *models.Identity) map[string]any {
	raw, err := json.Marshal(identity)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// valueAtPath resolves a dotted path against a document, rendering the leaf
// as a string. Missing paths resolve to "".
func valueAtPath(doc map[string]any, path string) string {
	segments := strings.Split(path, ".")
	var current any = doc
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = m[seg]
		if !ok {
			return ""
		}
	}
	switch v := current.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
