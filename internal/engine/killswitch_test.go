package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKillSwitch_MissingFileInactive(t *testing.T) {
	ks := NewKillSwitch(filepath.Join(t.TempDir(), "killswitch.json"), testLogger())
	if ks.IsActive() {
		t.Fatal("missing file must mean inactive")
	}
}

func TestKillSwitch_TriggerAndReread(t *testing.T) {
	path := filepath.Join(t.TempDir(), "killswitch.json")
	ks := NewKillSwitch(path, testLogger())

	if err := ks.Trigger("drawdown limit"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	record, err := ks.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !record.Active || record.Reason != "drawdown limit" {
		t.Fatalf("unexpected record: %+v", record)
	}

	// Второй экземпляр видит тот же файл: межпроцессная семантика
	other := NewKillSwitch(path, testLogger())
	if !other.IsActive() {
		t.Fatal("second instance must observe the trigger")
	}
}

func TestKillSwitch_TriggerIdempotent(t *testing.T) {
	ks := NewKillSwitch(filepath.Join(t.TempDir(), "killswitch.json"), testLogger())

	if err := ks.Trigger("first reason"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := ks.Trigger("second reason"); err != nil {
		t.Fatalf("second trigger: %v", err)
	}

	record, _ := ks.Read()
	if record.Reason != "first reason" {
		t.Fatalf("original reason must be preserved, got %q", record.Reason)
	}
}

func TestKillSwitch_CorruptedFileFailsSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "killswitch.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ks := NewKillSwitch(path, testLogger())
	if !ks.IsActive() {
		t.Fatal("corrupted file must fail safe to active")
	}
	record, _ := ks.Read()
	if record.Reason == "" {
		t.Fatal("fail-safe record must carry a reason")
	}
}

func TestKillSwitch_ExternalDeactivation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "killswitch.json")
	ks := NewKillSwitch(path, testLogger())

	if err := ks.Trigger("manual stop"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	// Оператор удаляет файл руками - следующая проверка видит сброс
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ks.IsActive() {
		t.Fatal("removing the file must deactivate the switch")
	}
}
