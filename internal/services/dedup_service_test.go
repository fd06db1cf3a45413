package services

import (
	"context"
	"testing"
	"time"

	"github.com/sirenhq/siren/internal/database"
	"github.com/sirenhq/siren/internal/testhelpers"
)

func TestApply_FirstDeliveryIsNew(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDedupService(db, nil, false)

	alert := testhelpers.NewAlertBuilder().Build()
	hash, err := svc.Apply(context.Background(), "tenant-1", alert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash == "" {
		t.Fatal("expected a content hash")
	}
	if alert.IsFullDuplicate || alert.IsPartialDuplicate {
		t.Error("first delivery must not be a duplicate")
	}
}

func TestApply_FullDuplicate(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDedupService(db, nil, false)
	ctx := context.Background()

	first := testhelpers.NewAlertBuilder().Build()
	hash, err := svc.Apply(ctx, "tenant-1", first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := database.UpsertLastAlert(db, &database.LastAlert{
		TenantID: "tenant-1", Fingerprint: first.Fingerprint, Hash: hash,
		Status: first.Status, ReceivedAt: time.Now(),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same content redelivered a minute later with a fresh delivery id:
	// per-delivery metadata must not defeat full deduplication.
	again := testhelpers.NewAlertBuilder().Build()
	again.ID = "alert-2"
	again.LastReceived = first.LastReceived.Add(time.Minute)
	if _, err := svc.Apply(ctx, "tenant-1", again); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.IsFullDuplicate {
		t.Error("expected full duplicate")
	}
	if again.IsPartialDuplicate {
		t.Error("full duplicate must not be partial")
	}
}

func TestApply_PartialDuplicate(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDedupService(db, nil, false)
	ctx := context.Background()

	first := testhelpers.NewAlertBuilder().Build()
	hash, err := svc.Apply(ctx, "tenant-1", first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := database.UpsertLastAlert(db, &database.LastAlert{
		TenantID: "tenant-1", Fingerprint: first.Fingerprint, Hash: hash,
		Status: first.Status, ReceivedAt: time.Now(),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changed := testhelpers.NewAlertBuilder().WithLabel("env", "staging").Build()
	changed.LastReceived = first.LastReceived.Add(time.Minute)
	if _, err := svc.Apply(ctx, "tenant-1", changed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed.IsPartialDuplicate {
		t.Error("expected partial duplicate for same fingerprint, changed content")
	}
	if changed.IsFullDuplicate {
		t.Error("changed content is not a full duplicate")
	}
}

func TestApply_IgnoreFieldsMakeFullDuplicate(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDedupService(db, nil, false)
	ctx := context.Background()

	rule := &database.DeduplicationRule{
		TenantID:          "tenant-1",
		Name:              "prometheus-partial",
		ProviderType:      "prometheus",
		FullDeduplication: false,
		IgnoreFields:      database.StringList{"labels.timestamp"},
		Enabled:           true,
	}
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := testhelpers.NewAlertBuilder().WithLabel("timestamp", "t1").Build()
	hash, err := svc.Apply(ctx, "tenant-1", first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := database.UpsertLastAlert(db, &database.LastAlert{
		TenantID: "tenant-1", Fingerprint: first.Fingerprint, Hash: hash,
		Status: first.Status, ReceivedAt: time.Now(),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Only the ignored fields differ.
	again := testhelpers.NewAlertBuilder().WithLabel("timestamp", "t2").Build()
	again.LastReceived = time.Now().Add(time.Minute)
	if _, err := svc.Apply(ctx, "tenant-1", again); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.IsFullDuplicate {
		t.Error("differences confined to ignored fields must be a full duplicate")
	}
}

func TestApply_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDedupService(db, nil, false)
	ctx := context.Background()

	base := testhelpers.NewAlertBuilder().Build()
	hash, err := svc.Apply(ctx, "tenant-1", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := database.UpsertLastAlert(db, &database.LastAlert{
		TenantID: "tenant-1", Fingerprint: base.Fingerprint, Hash: hash,
		Status: base.Status, ReceivedAt: time.Now(),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		redelivery := testhelpers.NewAlertBuilder().Build()
		redelivery.LastReceived = base.LastReceived.Add(time.Duration(i+1) * time.Minute)
		if _, err := svc.Apply(ctx, "tenant-1", redelivery); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !redelivery.IsFullDuplicate {
			t.Errorf("iteration %d: classification must be stable", i)
		}
	}
}

func TestApply_CustomRuleOverridesDefault(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDedupService(db, nil, false)

	defaultRule := &database.DeduplicationRule{
		TenantID: "tenant-1", Name: "default-prom", ProviderType: "prometheus",
		IsDefault: true, FullDeduplication: false,
		IgnoreFields: database.StringList{"labels.from_default"},
		Enabled:      true,
	}
	customRule := &database.DeduplicationRule{
		TenantID: "tenant-1", Name: "custom-prom", ProviderType: "prometheus",
		FullDeduplication: false,
		IgnoreFields:      database.StringList{"labels.from_custom"},
		Enabled:           true,
	}
	if err := db.Create(defaultRule).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.Create(customRule).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rules, err := svc.effectiveRules("tenant-1", "prom-1", "prometheus")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected one effective rule, got %d", len(rules))
	}
	effective := rules[0]
	if effective.Name != "custom-prom" {
		t.Errorf("custom rule must override the default, got %s", effective.Name)
	}
	// Partial custom rules inherit the default's ignore list.
	if !containsString(effective.IgnoreFields, "labels.from_default") {
		t.Error("expected inherited default ignore field")
	}
	if !containsString(effective.IgnoreFields, "labels.from_custom") {
		t.Error("expected custom ignore field")
	}
	for _, f := range []string{"id", "lastReceived"} {
		if !containsString(effective.IgnoreFields, f) {
			t.Errorf("per-delivery field %s must always be ignored", f)
		}
	}
}

func TestApply_TracksDistribution(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDedupService(db, nil, true)
	ctx := context.Background()

	alert := testhelpers.NewAlertBuilder().Build()
	if _, err := svc.Apply(ctx, "tenant-1", alert); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var events []database.DedupEvent
	db.Find(&events)
	if len(events) != 1 {
		t.Fatalf("expected one dedup event, got %d", len(events))
	}
	if events[0].Type != database.DedupEventNone {
		t.Errorf("first delivery records a none event, got %s", events[0].Type)
	}
}

func TestHashAlert_StableAcrossLabelOrder(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDedupService(db, nil, false)

	a := testhelpers.NewAlertBuilder().WithLabel("a", "1").WithLabel("b", "2").Build()
	b := testhelpers.NewAlertBuilder().WithLabel("b", "2").WithLabel("a", "1").Build()
	b.LastReceived = a.LastReceived

	hashA, err := svc.HashAlert(a, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hashB, err := svc.HashAlert(b, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hashA != hashB {
		t.Error("canonical hash must not depend on label insertion order")
	}

	c := testhelpers.NewAlertBuilder().WithLabel("a", "other").Build()
	c.LastReceived = a.LastReceived
	hashC, err := svc.HashAlert(c, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hashC == hashA {
		t.Error("different content must hash differently")
	}
}
