// Package period содержит разбор кварталов и вычисление календарных диапазонов отчётов.
package period

import (
	"errors"
	"time"
)

// Quarter обозначает один из четырёх календарных кварталов года.
type Quarter string

const (
	Q1 Quarter = "Q1"
	Q2 Quarter = "Q2"
	Q3 Quarter = "Q3"
	Q4 Quarter = "Q4"
)

// ErrInvalidQuarter возвращается при указании квартала вне множества Q1..Q4.
var ErrInvalidQuarter = errors.New("invalid quarter, must be one of Q1, Q2, Q3, Q4")

// DateRange описывает календарный диапазон с включёнными границами.
// Start и End задают полночи UTC первого и последнего дня диапазона.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// EndExclusive возвращает верхнюю исключающую границу диапазона: полночь дня,
// следующего за End. События с любым временем последнего дня попадают в диапазон.
func (r DateRange) EndExclusive() time.Time {
	return r.End.AddDate(0, 0, 1)
}

// Contains сообщает, попадает ли момент времени в диапазон.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.EndExclusive())
}

// QuarterDates возвращает первый и последний день указанного квартала.
func QuarterDates(q Quarter, year int) (time.Time, time.Time, error) {
	switch q {
	case Q1:
		return date(year, time.January, 1), date(year, time.March, 31), nil
	case Q2:
		return date(year, time.April, 1), date(year, time.June, 30), nil
	case Q3:
		return date(year, time.July, 1), date(year, time.September, 30), nil
	case Q4:
		return date(year, time.October, 1), date(year, time.December, 31), nil
	default:
		return time.Time{}, time.Time{}, ErrInvalidQuarter
	}
}

// RangeForQuarters разрешает оба конца отчётного периода и возвращает объединяющий
// диапазон [min(начал), max(концов)]. Порядок концов не важен: если конец периода
// хронологически раньше начала, всегда выбирается более широкий вариант.
func RangeForQuarters(quarterFrom Quarter, yearFrom int, quarterTo Quarter, yearTo int) (DateRange, error) {
	startFrom, endFrom, err := QuarterDates(quarterFrom, yearFrom)
	if err != nil {
		return DateRange{}, err
	}

	startTo, endTo, err := QuarterDates(quarterTo, yearTo)
	if err != nil {
		return DateRange{}, err
	}

	rng := DateRange{Start: startFrom, End: endFrom}
	if startTo.Before(rng.Start) {
		rng.Start = startTo
	}
	if endTo.After(rng.End) {
		rng.End = endTo
	}

	return rng, nil
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
