package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/watchrip/wearbridge/internal/agent/device"
	"github.com/watchrip/wearbridge/internal/manifest"
	"github.com/watchrip/wearbridge/internal/version"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "state.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCheckStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LoadCheckState(ctx); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	first := version.CheckState{
		LastCheck: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Info:      manifest.Info{Version: "2.3.0", DownloadURL: "https://x/2.3.0.apk", Length: 42},
	}
	if err := s.SaveCheckState(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := first
	second.Info.Version = "2.3.1"
	second.LastCheck = first.LastCheck.Add(12 * time.Hour)
	if err := s.SaveCheckState(ctx, second); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.LoadCheckState(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Info != second.Info || !got.LastCheck.Equal(second.LastCheck) {
		t.Fatalf("got %+v want %+v", got, second)
	}
}

func TestDeviceInventory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := s.UpsertDevices(ctx, []device.InfoUpdate{
		{DeviceSerial: "ABC123", Name: "Pixel Watch", Status: device.InventoryOnline, LastSeenAt: seen},
		{DeviceSerial: "OLD", Name: "Galaxy Watch", Status: device.InventoryOffline, LastSeenAt: seen},
	})
	if err != nil {
		t.Fatalf("upsert devices: %v", err)
	}
	err = s.RecordVersions(ctx, "2.3.1", []version.Status{
		{Serial: "ABC123", Installed: "2.2.0", NeedsUpdate: true},
		{Serial: "NEW", NeedsUpdate: true},
	})
	if err != nil {
		t.Fatalf("record versions: %v", err)
	}

	rows, err := s.Devices(ctx)
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %+v", rows)
	}
	abc := rows[0]
	if abc.Serial != "ABC123" || abc.Name != "Pixel Watch" || abc.InstalledVersion != "2.2.0" ||
		abc.OnlineVersion != "2.3.1" || !abc.NeedsUpdate || !abc.LastSeenAt.Equal(seen) {
		t.Fatalf("unexpected row: %+v", abc)
	}
	if rows[1].Serial != "NEW" || rows[1].Name != "" {
		t.Fatalf("unexpected row: %+v", rows[1])
	}
	if rows[2].Status != device.InventoryOffline {
		t.Fatalf("unexpected row: %+v", rows[2])
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error")
	}
}
