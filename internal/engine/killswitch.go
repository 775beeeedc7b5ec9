package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"autotrader/pkg/utils"
)

// KillSwitchRecord - персистентная запись kill switch
type KillSwitchRecord struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}

// KillSwitch - аварийный стоп всей торговли
//
// Запись живёт в отдельном JSON-файле и служит межпроцессным
// примитивом синхронизации: каждый вызов IsActive перечитывает файл,
// in-memory кэша нет, поэтому ручная правка файла вступает в силу в
// течение одного цикла главного цикла.
//
// Сброс только вручную - удалением или правкой файла. Ни один путь в
// коде не деактивирует kill switch.
//
// Отказобезопасность: отсутствующий файл = неактивен, повреждённый
// файл = активен.
type KillSwitch struct {
	path   string
	logger *utils.Logger
}

// NewKillSwitch создаёт kill switch с записью по указанному пути
func NewKillSwitch(path string, logger *utils.Logger) *KillSwitch {
	return &KillSwitch{
		path:   path,
		logger: logger.WithComponent("killswitch"),
	}
}

// IsActive перечитывает запись с диска
func (ks *KillSwitch) IsActive() bool {
	record, _ := ks.Read()
	return record.Active
}

// Read возвращает текущую запись
//
// Повреждённая запись трактуется как активная: неизвестность в
// вопросе аварийного стопа разрешается в сторону остановки торговли.
func (ks *KillSwitch) Read() (KillSwitchRecord, error) {
	data, err := os.ReadFile(ks.path)
	if err != nil {
		if os.IsNotExist(err) {
			return KillSwitchRecord{}, nil
		}
		ks.logger.Error("kill switch file unreadable, treating as active", utils.Err(err))
		return KillSwitchRecord{Active: true, Reason: "corrupted"}, err
	}

	var record KillSwitchRecord
	if err := jsoniter.Unmarshal(data, &record); err != nil {
		ks.logger.Error("kill switch file corrupted, treating as active", utils.Err(err))
		return KillSwitchRecord{Active: true, Reason: "corrupted"}, err
	}

	return record, nil
}

// Trigger активирует kill switch и сохраняет запись
//
// Повторная активация не перезаписывает исходную причину.
func (ks *KillSwitch) Trigger(reason string) error {
	current, _ := ks.Read()
	if current.Active {
		ks.logger.Warn("kill switch already active",
			utils.Reason(current.Reason),
			utils.String("new_reason", reason),
		)
		return nil
	}

	record := KillSwitchRecord{
		Active:      true,
		Reason:      reason,
		TriggeredAt: time.Now().UTC(),
	}

	if err := ks.write(record); err != nil {
		ks.logger.Error("failed to persist kill switch", utils.Err(err))
		return err
	}

	killSwitchActive.Set(1)
	ks.logger.Error("KILL SWITCH TRIGGERED", utils.Reason(reason))
	return nil
}

// write сохраняет запись атомарно (temp + rename)
func (ks *KillSwitch) write(record KillSwitchRecord) error {
	data, err := jsoniter.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal kill switch record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(ks.path), 0o755); err != nil {
		return fmt.Errorf("create kill switch dir: %w", err)
	}

	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write kill switch temp file: %w", err)
	}

	if err := os.Rename(tmp, ks.path); err != nil {
		return fmt.Errorf("replace kill switch file: %w", err)
	}

	return nil
}
