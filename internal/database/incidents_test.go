package database

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func TestCreateIncident_AssignsRunningNumbers(t *testing.T) {
	db := setupTestDB(t)

	for i := 1; i <= 3; i++ {
		incident := &Incident{TenantID: "tenant-1", Status: IncidentStatusFiring}
		if err := CreateIncident(db, incident); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if incident.RunningNumber != i {
			t.Errorf("expected running number %d, got %d", i, incident.RunningNumber)
		}
		if incident.UUID == "" {
			t.Error("expected UUID assigned")
		}
	}
}

func TestCreateIncident_RunningNumbersPerTenant(t *testing.T) {
	db := setupTestDB(t)

	a := &Incident{TenantID: "tenant-a", Status: IncidentStatusFiring}
	b := &Incident{TenantID: "tenant-b", Status: IncidentStatusFiring}
	if err := CreateIncident(db, a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CreateIncident(db, b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.RunningNumber != 1 || b.RunningNumber != 1 {
		t.Errorf("numbering must restart per tenant, got %d and %d", a.RunningNumber, b.RunningNumber)
	}
}

func TestCreateIncident_RetriesOnRunningNumberConflict(t *testing.T) {
	db := setupTestDB(t)

	seed := &Incident{TenantID: "tenant-1", Status: IncidentStatusFiring}
	if err := CreateIncident(db, seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A rival creator grabs the next number between the max read and the
	// insert, exactly once.
	incident := &Incident{TenantID: "tenant-1", Status: IncidentStatusFiring}
	stolen := false
	err := db.Callback().Create().Before("gorm:create").Register("rival_creator", func(tx *gorm.DB) {
		if stolen || tx.Statement.Dest != incident {
			return
		}
		stolen = true
		rival := &Incident{TenantID: "tenant-1", UUID: "rival-uuid", RunningNumber: incident.RunningNumber, Status: IncidentStatusFiring}
		if err := tx.Session(&gorm.Session{NewDB: true}).Create(rival).Error; err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := CreateIncident(db, incident); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if incident.RunningNumber != 3 {
		t.Errorf("expected retry to land on running number 3, got %d", incident.RunningNumber)
	}

	var numbers []int
	if err := db.Model(&Incident{}).Where("tenant_id = ?", "tenant-1").Order("running_number").Pluck("running_number", &numbers).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(numbers) != 3 {
		t.Fatalf("expected 3 incidents, got %d", len(numbers))
	}
	for i, n := range numbers {
		if n != i+1 {
			t.Errorf("expected distinct consecutive numbers, got %v", numbers)
			break
		}
	}
}

func TestCreateIncident_RunningNumberBudgetExhausted(t *testing.T) {
	db := setupTestDB(t)

	// A rival that wins every race exhausts the retry budget.
	incident := &Incident{TenantID: "tenant-1", Status: IncidentStatusFiring}
	rivals := 0
	err := db.Callback().Create().Before("gorm:create").Register("relentless_rival", func(tx *gorm.DB) {
		if tx.Statement.Dest != incident {
			return
		}
		rivals++
		rival := &Incident{
			TenantID:      "tenant-1",
			UUID:          fmt.Sprintf("rival-uuid-%d", rivals),
			RunningNumber: incident.RunningNumber,
			Status:        IncidentStatusFiring,
		}
		if err := tx.Session(&gorm.Session{NewDB: true}).Create(rival).Error; err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = CreateIncident(db, incident)
	if !errors.Is(err, ErrRunningNumberConflict) {
		t.Errorf("expected ErrRunningNumberConflict, got %v", err)
	}
	if rivals != runningNumberAttempts {
		t.Errorf("expected %d attempts, got %d", runningNumberAttempts, rivals)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db := setupTestDB(t)

	first := &Incident{TenantID: "tenant-1", UUID: "fixed-uuid", Status: IncidentStatusFiring}
	if err := CreateIncident(db, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup := Incident{TenantID: "tenant-1", UUID: "fixed-uuid", RunningNumber: 99, Status: IncidentStatusFiring}
	err := db.Create(&dup).Error
	if err == nil {
		t.Fatal("expected uniqueness violation")
	}
	if !isUniqueViolation(err) {
		t.Errorf("expected unique violation classification for: %v", err)
	}
	if isUniqueViolation(nil) {
		t.Error("nil is not a violation")
	}
}

func TestAttachAlertToIncident(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	incident := &Incident{TenantID: "tenant-1", Status: IncidentStatusFiring}
	first := &IncidentAlert{Fingerprint: "fp-1", Status: AlertStatusFiring, AttachedAt: now}
	if err := CreateIncidentWithAlert(db, incident, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.JoinOrder != 1 {
		t.Errorf("expected join order 1, got %d", first.JoinOrder)
	}

	second := &IncidentAlert{TenantID: "tenant-1", Fingerprint: "fp-2", Status: AlertStatusFiring, AttachedAt: now}
	if err := AttachAlertToIncident(db, incident.ID, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.JoinOrder != 2 {
		t.Errorf("expected join order 2, got %d", second.JoinOrder)
	}

	var reloaded Incident
	if err := db.First(&reloaded, incident.ID).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.AlertsCount != 1 {
		t.Errorf("expected alerts_count 1 after attach, got %d", reloaded.AlertsCount)
	}

	members, err := GetIncidentAlerts(db, incident.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].Fingerprint != "fp-1" || members[1].Fingerprint != "fp-2" {
		t.Errorf("members out of join order: %s, %s", members[0].Fingerprint, members[1].Fingerprint)
	}
}

func TestFindOpenIncidentByRuleFingerprint(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()
	timeframe := 10 * time.Minute

	fresh := &Incident{
		TenantID:        "tenant-1",
		Status:          IncidentStatusFiring,
		RuleFingerprint: "rule:1|prod",
		LastSeenTime:    now.Add(-time.Minute),
	}
	if err := CreateIncident(db, fresh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("inside window", func(t *testing.T) {
		found, err := FindOpenIncidentByRuleFingerprint(db, "tenant-1", "rule:1|prod", timeframe, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if found == nil || found.ID != fresh.ID {
			t.Error("expected the open incident inside its timeframe")
		}
	})

	t.Run("window evicted", func(t *testing.T) {
		db.Model(fresh).Update("last_seen_time", now.Add(-time.Hour))
		found, err := FindOpenIncidentByRuleFingerprint(db, "tenant-1", "rule:1|prod", timeframe, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if found != nil {
			t.Error("an idle group must not accept new members")
		}
	})

	t.Run("resolved inside window is returned", func(t *testing.T) {
		db.Model(fresh).Updates(map[string]interface{}{
			"status":         IncidentStatusResolved,
			"last_seen_time": now.Add(-time.Minute),
		})
		found, err := FindOpenIncidentByRuleFingerprint(db, "tenant-1", "rule:1|prod", timeframe, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if found == nil {
			t.Error("resolved incidents inside the window can reopen")
		}
	})

	t.Run("unknown fingerprint", func(t *testing.T) {
		found, err := FindOpenIncidentByRuleFingerprint(db, "tenant-1", "rule:9|other", timeframe, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if found != nil {
			t.Error("expected nil for unknown fingerprint")
		}
	})
}

func TestLastInChain(t *testing.T) {
	db := setupTestDB(t)

	first := &Incident{TenantID: "tenant-1", Status: IncidentStatusResolved}
	if err := CreateIncident(db, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := &Incident{TenantID: "tenant-1", Status: IncidentStatusResolved, SameIncidentInThePastID: &first.ID}
	if err := CreateIncident(db, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	third := &Incident{TenantID: "tenant-1", Status: IncidentStatusFiring, SameIncidentInThePastID: &second.ID}
	if err := CreateIncident(db, third); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last, err := LastInChain(db, first.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last.ID != third.ID {
		t.Errorf("expected chain to end at incident %d, got %d", third.ID, last.ID)
	}

	// Starting from the newest link returns it directly.
	last, err = LastInChain(db, third.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last.ID != third.ID {
		t.Errorf("expected %d, got %d", third.ID, last.ID)
	}
}

func TestLastInChain_CycleDetected(t *testing.T) {
	db := setupTestDB(t)

	a := &Incident{TenantID: "tenant-1", Status: IncidentStatusResolved}
	if err := CreateIncident(db, a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := &Incident{TenantID: "tenant-1", Status: IncidentStatusResolved, SameIncidentInThePastID: &a.ID}
	if err := CreateIncident(db, b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Corrupt the data into a cycle.
	if err := db.Model(a).Update("same_incident_in_the_past_id", b.ID).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := LastInChain(db, a.ID); err == nil {
		t.Error("expected cycle detection error")
	}
}
