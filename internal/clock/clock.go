// Package clock абстрагирует текущее время для сервисов и фоновых задач.
package clock

import (
	"sync"
	"time"
	_ "time/tzdata"
)

// Clock возвращает текущее время в UTC.
type Clock interface {
	Now() time.Time
}

// Real — системные часы.
type Real struct{}

// Now возвращает time.Now в UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// Manual — управляемые часы для тестов.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual создаёт часы, остановленные на now.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance сдвигает часы вперёд.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set устанавливает текущее время.
func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now.UTC()
	m.mu.Unlock()
}

var kyiv = loadKyiv()

func loadKyiv() *time.Location {
	loc, err := time.LoadLocation("Europe/Kyiv")
	if err != nil {
		return time.FixedZone("EET", 2*60*60)
	}
	return loc
}

// Kyiv возвращает часовой пояс Europe/Kyiv.
func Kyiv() *time.Location { return kyiv }

// KyivDate возвращает начало календарного дня по Киеву.
func KyivDate(t time.Time) time.Time {
	local := t.In(kyiv)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, kyiv)
}

// KyivDaysBetween считает календарные дни по Киеву между from и to.
func KyivDaysBetween(from, to time.Time) int {
	a := KyivDate(from)
	b := KyivDate(to)
	// Сравниваем по UTC-датам полуночей, чтобы переход на летнее время не давал дробей.
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// KyivDateString форматирует дату по Киеву как YYYY-MM-DD.
func KyivDateString(t time.Time) string {
	return t.In(kyiv).Format(time.DateOnly)
}
