package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig - конфигурация логирования
type LogConfig struct {
	// Level: debug, info, warn, error, fatal (по умолчанию info)
	Level string

	// Format: json или text (по умолчанию json)
	Format string

	// Output: путь к файлу, пусто = stderr
	Output string

	// Development включает режим разработки zap
	// (DPanic паникует, более читаемые stacktrace)
	Development bool
}

// Logger - обёртка над zap с sugar-вариантом
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

// InitLogger создаёт и настраивает логгер
//
// Никогда не возвращает nil и не паникует: при недоступном файле
// вывода происходит fallback на stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	var encoderCfg zapcore.EncoderConfig
	if cfg.Development {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.AddSync(os.Stderr)
	if cfg.Output != "" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			sink = zapcore.AddSync(file)
		}
		// Ошибка открытия файла - остаёмся на stderr
	}

	core := zapcore.NewCore(encoder, sink, level)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	base := zap.New(core, opts...)

	return &Logger{
		Logger: base,
		sugar:  base.Sugar(),
	}
}

// parseLevel преобразует строку в уровень zap (неизвестное = info)
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// With возвращает новый логгер с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{
		Logger: child,
		sugar:  child.Sugar(),
	}
}

// WithComponent возвращает логгер с полем component
func (l *Logger) WithComponent(component string) *Logger {
	return l.With(zap.String("component", component))
}

// WithSymbol возвращает логгер с полем symbol
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(zap.String("symbol", symbol))
}

// WithOrderID возвращает логгер с полем order_id
func (l *Logger) WithOrderID(orderID string) *Logger {
	return l.With(zap.String("order_id", orderID))
}

// WithStrategy возвращает логгер с полем strategy
func (l *Logger) WithStrategy(strategy string) *Logger {
	return l.With(zap.String("strategy", strategy))
}

// Sugar возвращает sugar-логгер
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальный логгер
// ============================================================

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitGlobalLogger инициализирует глобальный логгер
func InitGlobalLogger(cfg LogConfig) *Logger {
	logger := InitLogger(cfg)
	SetGlobalLogger(logger)
	return logger
}

// SetGlobalLogger устанавливает глобальный логгер
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный логгер (создаёт дефолтный при первом вызове)
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	if globalLogger != nil {
		defer globalMu.RUnlock()
		return globalLogger
	}
	globalMu.RUnlock()

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// L - сокращение для GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// Debug логирует через глобальный логгер
func Debug(msg string, fields ...zap.Field) {
	GetGlobalLogger().Debug(msg, fields...)
}

// Info логирует через глобальный логгер
func Info(msg string, fields ...zap.Field) {
	GetGlobalLogger().Info(msg, fields...)
}

// Warn логирует через глобальный логгер
func Warn(msg string, fields ...zap.Field) {
	GetGlobalLogger().Warn(msg, fields...)
}

// Error логирует через глобальный логгер
func Error(msg string, fields ...zap.Field) {
	GetGlobalLogger().Error(msg, fields...)
}

// Debugf логирует форматированное сообщение
func Debugf(template string, args ...interface{}) {
	GetGlobalLogger().sugar.Debugf(template, args...)
}

// Infof логирует форматированное сообщение
func Infof(template string, args ...interface{}) {
	GetGlobalLogger().sugar.Infof(template, args...)
}

// Warnf логирует форматированное сообщение
func Warnf(template string, args ...interface{}) {
	GetGlobalLogger().sugar.Warnf(template, args...)
}

// Errorf логирует форматированное сообщение
func Errorf(template string, args ...interface{}) {
	GetGlobalLogger().sugar.Errorf(template, args...)
}

// ============================================================
// Конструкторы доменных полей
// ============================================================

// Symbol - поле с тикером инструмента
func Symbol(symbol string) zap.Field {
	return zap.String("symbol", symbol)
}

// OrderID - поле с идентификатором ордера
func OrderID(id string) zap.Field {
	return zap.String("order_id", id)
}

// PositionID - поле с идентификатором позиции
func PositionID(id string) zap.Field {
	return zap.String("position_id", id)
}

// Ticket - поле с тикетом брокера
func Ticket(ticket int64) zap.Field {
	return zap.Int64("ticket", ticket)
}

// Price - поле с ценой
func Price(price float64) zap.Field {
	return zap.Float64("price", price)
}

// Quantity - поле с объёмом в лотах
func Quantity(qty float64) zap.Field {
	return zap.Float64("quantity", qty)
}

// Slippage - поле с проскальзыванием
func Slippage(slippage float64) zap.Field {
	return zap.Float64("slippage", slippage)
}

// PNL - поле с прибылью/убытком
func PNL(pnl float64) zap.Field {
	return zap.Float64("pnl", pnl)
}

// Side - поле со стороной сделки
func Side(side string) zap.Field {
	return zap.String("side", side)
}

// State - поле с состоянием
func State(state string) zap.Field {
	return zap.String("state", state)
}

// Reason - поле с причиной (отклонения, закрытия и т.п.)
func Reason(reason string) zap.Field {
	return zap.String("reason", reason)
}

// Strategy - поле с именем стратегии
func Strategy(strategy string) zap.Field {
	return zap.String("strategy", strategy)
}

// Component - поле с именем компонента
func Component(component string) zap.Field {
	return zap.String("component", component)
}

// ============================================================
// Переэкспорт стандартных конструкторов zap
// ============================================================

var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Err      = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
	Time     = zap.Time
)

// fieldsToInterface преобразует zap.Field'ы в пары ключ-значение для sugar API
func fieldsToInterface(fields []zap.Field) []interface{} {
	result := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		enc := zapcore.NewMapObjectEncoder()
		f.AddTo(enc)
		result = append(result, f.Key, enc.Fields[f.Key])
	}
	return result
}
