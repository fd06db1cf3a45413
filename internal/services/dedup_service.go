package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/sirenhq/siren/internal/alerts"
	"github.com/sirenhq/siren/internal/cache"
	"github.com/sirenhq/siren/internal/database"
)

// defaultIgnoreFields are per-delivery metadata: they change on every
// redelivery of the same alert content, so no rule should ever hash them.
var defaultIgnoreFields = database.StringList{"id", "lastReceived"}

// DeduplicationError wraps hashing or lookup failures. Callers fail open:
// the alert is treated as non-duplicate, never dropped.
type DeduplicationError struct {
	Err error
}

func (e *DeduplicationError) Error() string {
	return "deduplication failed: " + e.Err.Error()
}

func (e *DeduplicationError) Unwrap() error {
	return e.Err
}

// DedupService classifies incoming alerts as full duplicates, partial
// duplicates, or new, based on a canonical content hash scoped by
// per-provider deduplication rules.
type DedupService struct {
	db       *gorm.DB
	hashes   *cache.LastHashCache
	tracking bool
}

// NewDedupService creates a deduplicator. The cache may be nil; lookups
// then go straight to the database.
func NewDedupService(db *gorm.DB, hashes *cache.LastHashCache, trackingEnabled bool) *DedupService {
	if hashes == nil {
		hashes = cache.NewLastHashCache(nil, 0, func(ctx context.Context, tenantID string, fps []string) (map[string]string, error) {
			return database.GetLastAlertHashes(db, tenantID, fps)
		})
	}
	return &DedupService{db: db, hashes: hashes, tracking: trackingEnabled}
}

// Apply annotates the alert with its duplicate classification and returns
// the canonical content hash computed for it.
func (s *DedupService) Apply(ctx context.Context, tenantID string, alert *alerts.NormalizedAlert) (string, error) {
	rules, err := s.effectiveRules(tenantID, alert.ProviderID, alert.ProviderType)
	if err != nil {
		return "", &DeduplicationError{Err: err}
	}

	lastHashes, err := s.hashes.Get(ctx, tenantID, []string{alert.Fingerprint})
	if err != nil {
		return "", &DeduplicationError{Err: err}
	}
	priorHash := lastHashes[alert.Fingerprint]

	var lastComputed string
	for _, rule := range rules {
		hash, err := s.HashAlert(alert, rule.IgnoreFields)
		if err != nil {
			return "", &DeduplicationError{Err: err}
		}
		lastComputed = hash

		eventType := database.DedupEventNone
		switch {
		case priorHash == "":
			// First delivery for this fingerprint.
		case priorHash == hash:
			alert.IsFullDuplicate = true
			eventType = database.DedupEventFull
		default:
			alert.IsPartialDuplicate = true
			eventType = database.DedupEventPartial
		}

		s.recordEvent(tenantID, rule.ID, alert, eventType)

		// First match wins: stop evaluating further rules once a
		// duplicate was found.
		if eventType != database.DedupEventNone {
			break
		}
	}

	return lastComputed, nil
}

// HashAlert computes the canonical content hash: a deep copy of the
// alert's attributes with the ignored paths stripped, serialized with
// sorted keys, then hashed.
func (s *DedupService) HashAlert(alert *alerts.NormalizedAlert, ignoreFields []string) (string, error) {
	attrs := s.hashableAttributes(alert)
	for _, path := range ignoreFields {
		alerts.RemoveNestedValue(attrs, path)
	}

	// encoding/json writes map keys in sorted order, which together with
	// string-encoded scalars gives a stable canonical form.
	canonical, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize alert: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (s *DedupService) hashableAttributes(alert *alerts.NormalizedAlert) map[string]interface{} {
	clone := alert.Clone()
	attrs := map[string]interface{}{
		"id":            clone.ID,
		"name":          clone.AlertName,
		"status":        string(clone.Status),
		"severity":      string(clone.Severity),
		"provider_id":   clone.ProviderID,
		"provider_type": clone.ProviderType,
		"service":       clone.Service,
		"lastReceived":  clone.LastReceived.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if clone.Labels != nil {
		attrs["labels"] = clone.Labels
	}
	return attrs
}

// effectiveRules resolves the applicable rule set for a provider: a tenant
// custom rule overrides the generated default, and a partial custom rule
// inherits the default's ignore list. When nothing matches, a catch-all
// rule applies. Every effective rule ignores the per-delivery metadata
// fields on top of its own list, so identical content redelivered later
// still hashes identically.
func (s *DedupService) effectiveRules(tenantID, providerID, providerType string) ([]database.DeduplicationRule, error) {
	all, err := database.GetEnabledDeduplicationRules(s.db, tenantID)
	if err != nil {
		return nil, err
	}

	var custom, fallback *database.DeduplicationRule
	for i := range all {
		rule := &all[i]
		if rule.ProviderType != providerType {
			continue
		}
		if rule.IsDefault {
			if fallback == nil {
				fallback = rule
			}
			continue
		}
		if rule.ProviderID == "" || rule.ProviderID == providerID {
			if custom == nil {
				custom = rule
			}
		}
	}

	if custom == nil && fallback == nil {
		return []database.DeduplicationRule{{
			TenantID:          tenantID,
			ProviderType:      providerType,
			FullDeduplication: true,
			IgnoreFields:      defaultIgnoreFields,
		}}, nil
	}
	if custom == nil {
		effective := *fallback
		effective.IgnoreFields = mergeIgnoreFields(defaultIgnoreFields, fallback.IgnoreFields)
		return []database.DeduplicationRule{effective}, nil
	}

	effective := *custom
	effective.IgnoreFields = mergeIgnoreFields(defaultIgnoreFields, custom.IgnoreFields)
	if !custom.FullDeduplication && fallback != nil {
		// Partial custom rules still inherit the default ignore list.
		effective.IgnoreFields = mergeIgnoreFields(effective.IgnoreFields, fallback.IgnoreFields)
	}
	return []database.DeduplicationRule{effective}, nil
}

func mergeIgnoreFields(base database.StringList, extra []string) database.StringList {
	merged := append(database.StringList{}, base...)
	for _, f := range extra {
		if !containsString(merged, f) {
			merged = append(merged, f)
		}
	}
	return merged
}

func (s *DedupService) recordEvent(tenantID string, ruleID uint, alert *alerts.NormalizedAlert, eventType database.DedupEventType) {
	if !s.tracking {
		return
	}
	event := &database.DedupEvent{
		TenantID:    tenantID,
		RuleID:      ruleID,
		Fingerprint: alert.Fingerprint,
		ProviderID:  alert.ProviderID,
		Type:        eventType,
	}
	if err := s.db.Create(event).Error; err != nil {
		log.Printf("failed to record dedup event for %s: %v", alert.Fingerprint, err)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
