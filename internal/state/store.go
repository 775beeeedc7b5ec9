// Package state отвечает за атомарное сохранение состояния системы
// на диск и его восстановление после сбоя.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"autotrader/internal/config"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	stateFileName    = "state.json"
	tempFileName     = "state.json.tmp"
	backupDirName    = "backups"
	backupTimeLayout = "20060102T150405.000"
)

// Ключи, без которых файл состояния считается повреждённым
var requiredStateKeys = []string{
	"timestamp",
	"positions",
	"open_orders",
	"account_balance",
	"account_equity",
	"equity_high_water_mark",
}

// Store - файловое хранилище снимков состояния
//
// Протокол записи: временный файл -> контрольное перечитывание ->
// резервная копия текущего файла -> атомарный rename. На любом шаге
// сбой оставляет прежний state.json нетронутым.
type Store struct {
	dir         string
	backupCount int

	logger *utils.Logger
}

// NewStore создаёт хранилище в указанной директории
func NewStore(cfg config.StateConfig, logger *utils.Logger) *Store {
	return &Store{
		dir:         cfg.Dir,
		backupCount: cfg.BackupCount,
		logger:      logger.WithComponent("state"),
	}
}

// Path возвращает путь к основному файлу состояния
func (s *Store) Path() string {
	return filepath.Join(s.dir, stateFileName)
}

// Save атомарно записывает снимок состояния
//
// Частично записанный файл не может стать state.json: перед rename
// временный файл перечитывается и валидируется.
func (s *Store) Save(state *models.SystemState) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	state.Timestamp = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tempPath := filepath.Join(s.dir, tempFileName)
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}

	// Контрольное перечитывание: убеждаемся что на диске валидный JSON
	if _, err := readStateFile(tempPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("verify temp state: %w", err)
	}

	statePath := s.Path()
	if _, err := os.Stat(statePath); err == nil {
		backupDir := filepath.Join(s.dir, backupDirName)
		backupPath := filepath.Join(backupDir, fmt.Sprintf("state-%s.json.bak", state.Timestamp.Format(backupTimeLayout)))
		if err := os.MkdirAll(backupDir, 0o755); err != nil {
			s.logger.Warn("failed to create backup dir", utils.Err(err))
		} else if err := copyFile(statePath, backupPath); err != nil {
			s.logger.Warn("failed to back up previous state", utils.Err(err))
		}
	}

	if err := os.Rename(tempPath, statePath); err != nil {
		return fmt.Errorf("rename temp state: %w", err)
	}

	s.pruneBackups()
	return nil
}

// Load загружает последнее валидное состояние
//
// Цепочка отката: основной файл, затем резервные копии от новых к
// старым. Повреждённые файлы пропускаются с предупреждением.
// Отсутствие каких-либо файлов состояния не ошибка: возвращается
// (nil, nil) - холодный старт.
func (s *Store) Load() (*models.SystemState, error) {
	candidates := []string{s.Path()}
	candidates = append(candidates, s.backupFiles()...)

	var lastErr error
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		state, err := readStateFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable state file",
				utils.String("path", path),
				utils.Err(err),
			)
			lastErr = err
			continue
		}
		if path != s.Path() {
			s.logger.Warn("recovered state from backup", utils.String("path", path))
		}
		return state, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no loadable state file: %w", lastErr)
	}
	return nil, nil
}

// backupFiles возвращает резервные копии от новых к старым
func (s *Store) backupFiles() []string {
	matches, err := filepath.Glob(filepath.Join(s.dir, backupDirName, "state-*.json.bak"))
	if err != nil {
		return nil
	}
	// Временная метка в имени сортируется лексикографически
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

// pruneBackups удаляет резервные копии сверх лимита
func (s *Store) pruneBackups() {
	if s.backupCount <= 0 {
		return
	}
	backups := s.backupFiles()
	for _, path := range backups[min(len(backups), s.backupCount):] {
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to prune backup", utils.String("path", path), utils.Err(err))
		}
	}
}

// readStateFile читает и валидирует файл состояния
//
// Помимо разбора в структуру проверяется присутствие обязательных
// ключей: валидный JSON с чужой структурой не должен сойти за снимок.
func readStateFile(path string) (*models.SystemState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, key := range requiredStateKeys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("state file %s is missing required key %q", path, key)
		}
	}

	var state models.SystemState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if state.Timestamp.IsZero() {
		return nil, fmt.Errorf("state file %s has no timestamp", path)
	}
	return &state, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
