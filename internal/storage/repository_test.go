package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/dr1rrb/ha-twinkly/internal/model"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestIdentityRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	identity := model.Identity{
		ID:          "uuid-1",
		Host:        "192.168.1.50",
		HardwareID:  "uuid-1",
		DeviceName:  "Tree",
		ConfigName:  "Living room",
		ProductCode: "TWS250STP",
		ProductName: "Twinkly",
		MAC:         "5C:CF:7F:00:00:01",
		LEDCount:    250,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := repo.UpsertIdentity(ctx, identity); err != nil {
		t.Fatalf("UpsertIdentity returned error: %v", err)
	}

	byID, err := repo.GetIdentity(ctx, "uuid-1")
	if err != nil {
		t.Fatalf("GetIdentity returned error: %v", err)
	}
	if byID.DeviceName != "Tree" || byID.ConfigName != "Living room" || byID.LEDCount != 250 {
		t.Fatalf("unexpected identity: %+v", byID)
	}
	if !byID.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v, want %v", byID.CreatedAt, now)
	}

	byHost, err := repo.GetIdentityByHost(ctx, "192.168.1.50")
	if err != nil || byHost.ID != "uuid-1" {
		t.Fatalf("GetIdentityByHost = %+v, %v", byHost, err)
	}

	byHardware, err := repo.GetIdentityByHardwareID(ctx, "uuid-1")
	if err != nil || byHardware.ID != "uuid-1" {
		t.Fatalf("GetIdentityByHardwareID = %+v, %v", byHardware, err)
	}

	if _, err := repo.GetIdentity(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertIdentityUpdatesInPlace(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour)

	identity := model.Identity{ID: "uuid-1", Host: "192.168.1.50", CreatedAt: created, UpdatedAt: created}
	if err := repo.UpsertIdentity(ctx, identity); err != nil {
		t.Fatalf("UpsertIdentity returned error: %v", err)
	}

	identity.DeviceName = "Tree"
	identity.Host = "192.168.1.60"
	identity.CreatedAt = time.Now().UTC()
	identity.UpdatedAt = time.Now().UTC()
	if err := repo.UpsertIdentity(ctx, identity); err != nil {
		t.Fatalf("second UpsertIdentity returned error: %v", err)
	}

	list, err := repo.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities returned error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected a single row after upsert, got %d", len(list))
	}
	if list[0].DeviceName != "Tree" || list[0].Host != "192.168.1.60" {
		t.Fatalf("update not applied: %+v", list[0])
	}
	if !list[0].CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt must survive updates, got %v", list[0].CreatedAt)
	}
}

func TestMigrateIdentityReplacesProvisionalRow(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	provisional := model.Identity{ID: "provisional-uuid", Host: "192.168.1.50", CreatedAt: now, UpdatedAt: now}
	if err := repo.UpsertIdentity(ctx, provisional); err != nil {
		t.Fatalf("UpsertIdentity returned error: %v", err)
	}
	if err := repo.SaveState(ctx, "provisional-uuid", model.LightState{Availability: model.AvailabilityUnknown, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveState returned error: %v", err)
	}

	durable := model.Identity{
		ID:         "hw-uuid",
		Host:       "192.168.1.50",
		HardwareID: "hw-uuid",
		DeviceName: "Tree",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.MigrateIdentity(ctx, "provisional-uuid", durable); err != nil {
		t.Fatalf("MigrateIdentity returned error: %v", err)
	}

	if _, err := repo.GetIdentity(ctx, "provisional-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("provisional row should be gone, got %v", err)
	}
	migrated, err := repo.GetIdentity(ctx, "hw-uuid")
	if err != nil {
		t.Fatalf("GetIdentity returned error: %v", err)
	}
	if migrated.DeviceName != "Tree" {
		t.Fatalf("unexpected migrated identity: %+v", migrated)
	}

	list, err := repo.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities returned error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("migration left %d rows, want 1", len(list))
	}

	states, err := repo.LoadStates(ctx)
	if err != nil {
		t.Fatalf("LoadStates returned error: %v", err)
	}
	if _, ok := states["provisional-uuid"]; ok {
		t.Fatalf("provisional state row should be gone")
	}
}

func TestStateRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seen := now.Add(-time.Minute)

	on := model.LightState{
		On:           true,
		Brightness:   70,
		Availability: model.AvailabilityOnline,
		LastSeenAt:   &seen,
		UpdatedAt:    now,
	}
	if err := repo.SaveState(ctx, "dev-1", on); err != nil {
		t.Fatalf("SaveState returned error: %v", err)
	}
	if err := repo.SaveState(ctx, "dev-2", model.LightState{Availability: model.AvailabilityUnknown, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveState returned error: %v", err)
	}

	states, err := repo.LoadStates(ctx)
	if err != nil {
		t.Fatalf("LoadStates returned error: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}

	got := states["dev-1"]
	if !got.On || got.Brightness != 70 || got.Availability != model.AvailabilityOnline {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
		t.Fatalf("LastSeenAt = %v, want %v", got.LastSeenAt, seen)
	}
	if blank := states["dev-2"]; blank.LastSeenAt != nil || blank.On {
		t.Fatalf("unexpected blank state: %+v", blank)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	repo, err := New(ctx, path, logger)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	now := time.Now().UTC()
	if err := repo.UpsertIdentity(ctx, model.Identity{ID: "a", Host: "h", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertIdentity returned error: %v", err)
	}
	_ = repo.Close()

	reopened, err := New(ctx, path, logger)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetIdentity(ctx, "a"); err != nil {
		t.Fatalf("data lost across reopen: %v", err)
	}
}
