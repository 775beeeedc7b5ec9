package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

func testStore(t *testing.T, backups int) *Store {
	return NewStore(config.StateConfig{
		Dir:         t.TempDir(),
		BackupCount: backups,
	}, utils.InitLogger(utils.LogConfig{Level: "error"}))
}

func sampleState() *models.SystemState {
	s := models.NewSystemState()
	s.AccountBalance = decimal.NewFromInt(10000)
	s.AccountEquity = decimal.NewFromInt(10100)
	s.EquityHighWaterMark = decimal.NewFromInt(10500)
	s.DailyStartEquity = decimal.NewFromInt(10050)
	return s
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := testStore(t, 3)

	if err := store.Save(sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected saved state, got nil")
	}
	if !loaded.AccountBalance.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected balance %s", loaded.AccountBalance)
	}
	if !loaded.EquityHighWaterMark.Equal(decimal.NewFromInt(10500)) {
		t.Fatalf("unexpected hwm %s", loaded.EquityHighWaterMark)
	}
}

func TestLoad_NoFilesIsColdStart(t *testing.T) {
	store := testStore(t, 3)

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != nil {
		t.Fatal("empty dir must mean cold start, not an error")
	}
}

func TestLoad_FallsBackToBackup(t *testing.T) {
	store := testStore(t, 3)

	if err := store.Save(sampleState()); err != nil {
		t.Fatalf("first save: %v", err)
	}
	second := sampleState()
	second.AccountBalance = decimal.NewFromInt(9000)
	if err := store.Save(second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	// Основной файл повреждён - загрузка откатывается на копию
	if err := os.WriteFile(store.Path(), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected state recovered from backup")
	}
	// Копия делается с предыдущего состояния: там первый баланс
	if !loaded.AccountBalance.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected backup balance 10000, got %s", loaded.AccountBalance)
	}
}

func TestSave_PrunesOldBackups(t *testing.T) {
	store := testStore(t, 2)

	for i := 0; i < 6; i++ {
		if err := store.Save(sampleState()); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	backups, err := filepath.Glob(filepath.Join(filepath.Dir(store.Path()), backupDirName, "state-*.json.bak"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(backups) > 2 {
		t.Fatalf("expected at most 2 backups, got %d", len(backups))
	}
}

func TestSave_BackupsLiveInSubdirectory(t *testing.T) {
	store := testStore(t, 3)

	if err := store.Save(sampleState()); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.Save(sampleState()); err != nil {
		t.Fatalf("second save: %v", err)
	}

	stateDir := filepath.Dir(store.Path())
	inRoot, _ := filepath.Glob(filepath.Join(stateDir, "state-*.json.bak"))
	if len(inRoot) != 0 {
		t.Fatalf("backups must not live beside state.json, found %v", inRoot)
	}
	inSubdir, _ := filepath.Glob(filepath.Join(stateDir, backupDirName, "state-*.json.bak"))
	if len(inSubdir) == 0 {
		t.Fatal("expected a backup in the backups subdirectory")
	}
}

func TestReadStateFile_RejectsForeignJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreign.json")

	// Валидный JSON с временной меткой, но без обязательных ключей
	payload := []byte(`{"timestamp":"2026-08-30T10:00:00Z","balance":10000}`)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readStateFile(path); err == nil {
		t.Fatal("structurally wrong state file must be rejected")
	}
}

func TestSave_LeavesPreviousStateOnFailure(t *testing.T) {
	store := testStore(t, 3)

	if err := store.Save(sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Невалидный временный файл не должен долететь до state.json:
	// симулируем через прямую проверку readStateFile
	tempPath := filepath.Join(filepath.Dir(store.Path()), "garbage.tmp")
	if err := os.WriteFile(tempPath, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readStateFile(tempPath); err == nil {
		t.Fatal("verification must reject invalid JSON")
	}

	loaded, err := store.Load()
	if err != nil || loaded == nil {
		t.Fatalf("previous state must stay loadable: %v", err)
	}
}
