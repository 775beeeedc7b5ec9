package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Broker    BrokerConfig
	Risk      RiskConfig
	Execution ExecutionConfig
	State     StateConfig
	Logging   LoggingConfig
}

// ServerConfig - настройки HTTP сервера (ops API + /metrics)
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД журнала сделок
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// BrokerConfig - настройки моста к брокеру
type BrokerConfig struct {
	URL                  string        // адрес WebSocket моста
	CallTimeout          time.Duration // таймаут одного запроса к брокеру
	ReconnectDelay       time.Duration // задержка перед переподключением
	HeartbeatInterval    time.Duration // интервал проверки живости
	HeartbeatMaxFailures int           // подряд неудач до connection lost
}

// RiskConfig - параметры риск-движка
type RiskConfig struct {
	RiskPerTradePct         float64 // доля баланса под риском на сделку
	MaxDailyLossPct         float64 // дневной лимит убытка (доля баланса)
	MaxDrawdownPct          float64 // лимит просадки от high-water mark
	MaxPositions            int     // максимум открытых позиций
	MaxExposurePerSymbolPct float64 // лимит нотионала на инструмент (доля equity)
	ExposureCapLots         float64 // потолок объёма при ограничении экспозицией
	MaxConsecutiveLosses    int     // подряд убытков до circuit breaker
	CooldownMinutes         int     // длительность паузы circuit breaker
}

// ExecutionConfig - параметры исполнения ордеров
type ExecutionConfig struct {
	OrderTimeout time.Duration // ордер в sent дольше этого = expired
	MaxRetries   int           // попыток отправки (включая первую)
	RetryBackoff time.Duration // начальная задержка между попытками
}

// StateConfig - параметры сохранения состояния
type StateConfig struct {
	Dir           string        // директория файлов состояния
	BackupCount   int           // хранимых резервных копий
	SaveFreq      time.Duration // период автосохранения
	ReconcileFreq time.Duration // период сверки с брокером
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "autotrader"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Broker: BrokerConfig{
			URL:                  getEnv("BROKER_URL", "ws://127.0.0.1:5555/rpc"),
			CallTimeout:          getEnvAsDuration("BROKER_CALL_TIMEOUT", 5*time.Second),
			ReconnectDelay:       getEnvAsDuration("BROKER_RECONNECT_DELAY", 1*time.Second),
			HeartbeatInterval:    getEnvAsDuration("HEARTBEAT_INTERVAL", 10*time.Second),
			HeartbeatMaxFailures: getEnvAsInt("HEARTBEAT_MAX_FAILURES", 3),
		},
		Risk: RiskConfig{
			RiskPerTradePct:         getEnvAsFloat("RISK_PER_TRADE_PCT", 0.0025),
			MaxDailyLossPct:         getEnvAsFloat("RISK_MAX_DAILY_LOSS_PCT", 0.02),
			MaxDrawdownPct:          getEnvAsFloat("RISK_MAX_DRAWDOWN_PCT", 0.10),
			MaxPositions:            getEnvAsInt("RISK_MAX_POSITIONS", 3),
			MaxExposurePerSymbolPct: getEnvAsFloat("RISK_MAX_EXPOSURE_PER_SYMBOL_PCT", 0.30),
			ExposureCapLots:         getEnvAsFloat("RISK_EXPOSURE_CAP_LOTS", 0.1),
			MaxConsecutiveLosses:    getEnvAsInt("RISK_MAX_CONSECUTIVE_LOSSES", 3),
			CooldownMinutes:         getEnvAsInt("RISK_COOLDOWN_MINUTES", 60),
		},
		Execution: ExecutionConfig{
			OrderTimeout: getEnvAsDuration("ORDER_TIMEOUT", 30*time.Second),
			MaxRetries:   getEnvAsInt("MAX_RETRIES", 4),
			RetryBackoff: getEnvAsDuration("RETRY_BACKOFF", 1*time.Second),
		},
		State: StateConfig{
			Dir:           getEnv("STATE_DIR", "./state"),
			BackupCount:   getEnvAsInt("STATE_BACKUP_COUNT", 10),
			SaveFreq:      getEnvAsDuration("STATE_SAVE_FREQ", 1*time.Minute),
			ReconcileFreq: getEnvAsDuration("RECONCILE_FREQ", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", ""),
		},
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	// Доли должны лежать в (0, 1]
	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 1 {
		return fmt.Errorf("RISK_PER_TRADE_PCT must be in (0, 1], got %v", c.Risk.RiskPerTradePct)
	}

	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 1 {
		return fmt.Errorf("RISK_MAX_DAILY_LOSS_PCT must be in (0, 1], got %v", c.Risk.MaxDailyLossPct)
	}

	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct > 1 {
		return fmt.Errorf("RISK_MAX_DRAWDOWN_PCT must be in (0, 1], got %v", c.Risk.MaxDrawdownPct)
	}

	if c.Risk.MaxExposurePerSymbolPct <= 0 || c.Risk.MaxExposurePerSymbolPct > 1 {
		return fmt.Errorf("RISK_MAX_EXPOSURE_PER_SYMBOL_PCT must be in (0, 1], got %v", c.Risk.MaxExposurePerSymbolPct)
	}

	if c.Risk.MaxPositions < 1 {
		return fmt.Errorf("RISK_MAX_POSITIONS must be at least 1, got %d", c.Risk.MaxPositions)
	}

	if c.Risk.ExposureCapLots <= 0 {
		return fmt.Errorf("RISK_EXPOSURE_CAP_LOTS must be positive, got %v", c.Risk.ExposureCapLots)
	}

	if c.Risk.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("RISK_MAX_CONSECUTIVE_LOSSES must be at least 1, got %d", c.Risk.MaxConsecutiveLosses)
	}

	if c.Risk.CooldownMinutes < 0 {
		return fmt.Errorf("RISK_COOLDOWN_MINUTES cannot be negative, got %d", c.Risk.CooldownMinutes)
	}

	if c.Execution.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.Execution.MaxRetries)
	}

	if c.Execution.MaxRetries > 10 {
		return fmt.Errorf("MAX_RETRIES should not exceed 10, got %d", c.Execution.MaxRetries)
	}

	if c.Execution.OrderTimeout <= 0 {
		return fmt.Errorf("ORDER_TIMEOUT must be positive, got %v", c.Execution.OrderTimeout)
	}

	if c.Broker.CallTimeout <= 0 {
		return fmt.Errorf("BROKER_CALL_TIMEOUT must be positive, got %v", c.Broker.CallTimeout)
	}

	if c.Broker.HeartbeatMaxFailures < 1 {
		return fmt.Errorf("HEARTBEAT_MAX_FAILURES must be at least 1, got %d", c.Broker.HeartbeatMaxFailures)
	}

	if c.State.BackupCount < 1 {
		return fmt.Errorf("STATE_BACKUP_COUNT must be at least 1, got %d", c.State.BackupCount)
	}

	if c.State.Dir == "" {
		return fmt.Errorf("STATE_DIR cannot be empty")
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
