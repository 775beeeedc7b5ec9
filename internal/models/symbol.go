package models

import "github.com/shopspring/decimal"

// Symbol описывает торговый инструмент и его брокерские параметры
type Symbol struct {
	Ticker           string          `json:"ticker"`
	Exchange         string          `json:"exchange"`
	PipValue         decimal.Decimal `json:"pip_value"`           // размер одного пипса в валюте котировки
	MinLot           decimal.Decimal `json:"min_lot"`
	MaxLot           decimal.Decimal `json:"max_lot"`
	LotStep          decimal.Decimal `json:"lot_step"`            // минимальный шаг объёма
	ValuePerLot      decimal.Decimal `json:"value_per_lot"`       // стоимость движения цены на 1.0 при объёме 1 лот
	CommissionPerLot decimal.Decimal `json:"commission_per_lot"`
}

// NewSymbol создаёт инструмент с брокерскими параметрами по умолчанию
func NewSymbol(ticker string) *Symbol {
	return &Symbol{
		Ticker:      ticker,
		Exchange:    "MT5",
		PipValue:    decimal.NewFromFloat(0.01),
		MinLot:      decimal.NewFromFloat(0.01),
		MaxLot:      decimal.NewFromInt(100),
		LotStep:     decimal.NewFromFloat(0.01),
		ValuePerLot: decimal.NewFromInt(1),
	}
}

// RoundToLotStep округляет объём вниз до шага лота
//
// Округление всегда вниз: объём больше рассчитанного означал бы
// больший риск, чем разрешено.
func (s *Symbol) RoundToLotStep(qty decimal.Decimal) decimal.Decimal {
	if s.LotStep.IsZero() {
		return qty
	}
	return qty.Div(s.LotStep).Floor().Mul(s.LotStep)
}

// ClampLot ограничивает объём диапазоном [MinLot, MaxLot]
func (s *Symbol) ClampLot(qty decimal.Decimal) decimal.Decimal {
	if qty.LessThan(s.MinLot) {
		return s.MinLot
	}
	if qty.GreaterThan(s.MaxLot) {
		return s.MaxLot
	}
	return qty
}
