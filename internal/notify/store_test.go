package notify

import (
	"database/sql"
	"testing"
	"time"

	"warden/internal/db"
	"warden/internal/tenant"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func createTestChannel(t *testing.T, conn *sql.DB, orgID string) int64 {
	t.Helper()
	id, err := CreateChannel(conn, &Channel{
		OrgID:      orgID,
		Name:       "ops-slack",
		Provider:   "slack",
		URL:        "slack://TAAA/BBBB/CCCC",
		Enabled:    true,
		OnCritical: true,
		OnWarning:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCreateAndGetChannel(t *testing.T) {
	conn := setupTestDB(t)
	id := createTestChannel(t, conn, "org-1")

	ch, err := GetChannel(conn, tenant.ForOrg("org-1"), id)
	if err != nil {
		t.Fatal(err)
	}
	if ch == nil {
		t.Fatal("expected channel, got nil")
	}
	if ch.Name != "ops-slack" {
		t.Errorf("name = %q, want %q", ch.Name, "ops-slack")
	}
	if ch.URL != "slack://TAAA/BBBB/CCCC" {
		t.Errorf("url = %q", ch.URL)
	}
	if !ch.Enabled || !ch.OnCritical || !ch.OnWarning {
		t.Error("expected enabled with critical+warning on")
	}
	if ch.OnInfo {
		t.Error("expected on_info off by default")
	}
	if ch.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestChannelTenantVisibility(t *testing.T) {
	conn := setupTestDB(t)
	ownID := createTestChannel(t, conn, "org-1")
	createTestChannel(t, conn, "org-2")
	fleetID := createTestChannel(t, conn, "")

	// An org scope sees only its own channels.
	org1 := tenant.ForOrg("org-1")
	list, err := ListChannels(conn, org1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != ownID {
		t.Fatalf("org scope list = %+v, want only channel %d", list, ownID)
	}

	if ch, _ := GetChannel(conn, org1, fleetID); ch != nil {
		t.Error("org scope should not see a fleet-wide channel")
	}

	// Super sees everything, including the fleet-wide one.
	super := tenant.Super("test")
	list, err = ListChannels(conn, super)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("super list = %d channels, want 3", len(list))
	}
	if ch, _ := GetChannel(conn, super, fleetID); ch == nil {
		t.Error("super should see the fleet-wide channel")
	}
}

func TestChannelsForEvent(t *testing.T) {
	conn := setupTestDB(t)
	ownID := createTestChannel(t, conn, "org-1")
	createTestChannel(t, conn, "org-2")
	fleetID := createTestChannel(t, conn, "")

	// Disabled channels never match.
	disabled, _ := GetChannel(conn, tenant.ForOrg("org-1"), ownID)
	disabled.Enabled = false
	if err := UpdateChannel(conn, disabled); err != nil {
		t.Fatal(err)
	}
	enabledID := createTestChannel(t, conn, "org-1")

	chans, err := ChannelsForEvent(conn, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 2 {
		t.Fatalf("got %d channels, want 2 (fleet-wide + enabled org)", len(chans))
	}
	if chans[0].ID != fleetID || chans[1].ID != enabledID {
		t.Errorf("got channels %d,%d want %d,%d", chans[0].ID, chans[1].ID, fleetID, enabledID)
	}

	// An event with no organization reaches fleet-wide channels only.
	chans, err = ChannelsForEvent(conn, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 1 || chans[0].ID != fleetID {
		t.Fatalf("scopeless event got %d channels, want only fleet-wide", len(chans))
	}
}

func TestUpdateChannel(t *testing.T) {
	conn := setupTestDB(t)
	id := createTestChannel(t, conn, "org-1")
	scope := tenant.ForOrg("org-1")

	ch, _ := GetChannel(conn, scope, id)
	ch.Name = "renamed"
	ch.OnInfo = true
	ch.QuietStart = "22:00"
	ch.QuietEnd = "07:00"
	if err := UpdateChannel(conn, ch); err != nil {
		t.Fatal(err)
	}

	updated, _ := GetChannel(conn, scope, id)
	if updated.Name != "renamed" {
		t.Errorf("name = %q, want %q", updated.Name, "renamed")
	}
	if !updated.OnInfo {
		t.Error("expected on_info after update")
	}
	if updated.QuietStart != "22:00" || updated.QuietEnd != "07:00" {
		t.Errorf("quiet hours = %q..%q", updated.QuietStart, updated.QuietEnd)
	}

	ch.ID = 9999
	if err := UpdateChannel(conn, ch); err == nil {
		t.Error("expected error updating a missing channel")
	}
}

func TestDeleteChannelCascadesRules(t *testing.T) {
	conn := setupTestDB(t)
	id := createTestChannel(t, conn, "org-1")

	if err := UpsertRule(conn, &Rule{ChannelID: id, EventType: "device_offline", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := DeleteChannel(conn, id); err != nil {
		t.Fatal(err)
	}

	if ch, _ := GetChannel(conn, tenant.ForOrg("org-1"), id); ch != nil {
		t.Error("expected nil after delete")
	}
	rules, err := RulesFor(conn, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 0 {
		t.Errorf("expected rules to cascade, got %d", len(rules))
	}
}

func TestRuleUpsert(t *testing.T) {
	conn := setupTestDB(t)
	id := createTestChannel(t, conn, "org-1")

	rule := &Rule{ChannelID: id, EventType: "device_offline", Enabled: true, CooldownSecs: 600}
	if err := UpsertRule(conn, rule); err != nil {
		t.Fatal(err)
	}

	rules, err := RulesFor(conn, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].CooldownSecs != 600 {
		t.Errorf("cooldown = %d, want 600", rules[0].CooldownSecs)
	}

	rule.CooldownSecs = 120
	rule.Enabled = false
	if err := UpsertRule(conn, rule); err != nil {
		t.Fatal(err)
	}
	rules, _ = RulesFor(conn, id)
	if len(rules) != 1 {
		t.Fatalf("upsert duplicated the rule: %d rows", len(rules))
	}
	if rules[0].CooldownSecs != 120 || rules[0].Enabled {
		t.Errorf("rule after upsert = %+v", rules[0])
	}
}

func TestRecordAndRecentDeliveries(t *testing.T) {
	conn := setupTestDB(t)
	id := createTestChannel(t, conn, "org-1")

	_, err := RecordDelivery(conn, &Delivery{
		ChannelID: id,
		OrgID:     "org-1",
		DeviceID:  "dev-1",
		EventType: "device_offline",
		Message:   "[warning] device stopped reporting (device dev-1)",
		Status:    DeliverySent,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = RecordDelivery(conn, &Delivery{
		ChannelID: id,
		OrgID:     "org-2",
		EventType: "device_killed",
		Message:   "[critical] device killed",
		Status:    DeliveryFailed,
		Error:     "connection refused",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Org scope sees only its own history.
	own, err := RecentDeliveries(conn, tenant.ForOrg("org-1"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(own) != 1 {
		t.Fatalf("org scope got %d deliveries, want 1", len(own))
	}
	if own[0].Status != DeliverySent {
		t.Errorf("status = %q, want %q", own[0].Status, DeliverySent)
	}
	if own[0].SentAt.IsZero() {
		t.Error("expected sent_at on a sent delivery")
	}

	// Super sees both, newest first.
	all, err := RecentDeliveries(conn, tenant.Super("test"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("super got %d deliveries, want 2", len(all))
	}
	if all[0].Status != DeliveryFailed {
		t.Errorf("newest first: status = %q, want %q", all[0].Status, DeliveryFailed)
	}
	if all[0].Error != "connection refused" {
		t.Errorf("error = %q", all[0].Error)
	}
	if !all[0].SentAt.IsZero() {
		t.Error("failed delivery should have no sent_at")
	}
}
