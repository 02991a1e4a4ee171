// Package abtest закрепляет варианты экспериментов за единицами (телефонами).
package abtest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// PrepaidDiscountExperiment — эксперимент со скидкой за предоплату.
const PrepaidDiscountExperiment = "prepaid_discount_v1"

const hashSpace = float64(uint64(1) << 48)

// Result — закреплённый вариант.
type Result struct {
	Assignment domain.Assignment
	Variant    domain.Variant
	// Active — эксперимент сейчас активен и вариант можно применять.
	Active bool
}

// Assigner выдаёт стабильные назначения.
type Assigner struct {
	repo   domain.ExperimentRepository
	clock  clock.Clock
	logger *log.Entry
}

// NewAssigner создаёт Assigner.
func NewAssigner(repo domain.ExperimentRepository, clk clock.Clock) *Assigner {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Assigner{repo: repo, clock: clk, logger: log.WithField("component", "abtest")}
}

// Assign возвращает закреплённый вариант или закрепляет новый.
// Неактивный эксперимент новых назначений не создаёт.
func (a *Assigner) Assign(ctx context.Context, expID, unit string) (Result, bool, error) {
	if unit == "" {
		return Result{}, false, fmt.Errorf("%w: assignment unit is empty", domain.ErrValidation)
	}
	exp, err := a.repo.GetExperiment(ctx, expID)
	if err != nil {
		if errors.Is(err, domain.ErrExperimentNotFound) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}

	existing, ok, err := a.repo.GetAssignment(ctx, expID, unit)
	if err != nil {
		return Result{}, false, err
	}
	if ok {
		return resultFor(exp, existing), true, nil
	}
	if !exp.Active {
		return Result{}, false, nil
	}

	variant, ok := Bucket(exp.ID, unit, exp.Variants)
	if !ok {
		return Result{}, false, nil
	}
	stored, err := a.repo.InsertAssignment(ctx, domain.Assignment{
		ExpID:     exp.ID,
		Unit:      unit,
		Variant:   variant.Name,
		CreatedAt: a.clock.Now(),
	})
	if err != nil {
		return Result{}, false, err
	}
	a.logger.WithFields(log.Fields{"exp_id": exp.ID, "variant": stored.Variant}).Debug("experiment variant assigned")
	return resultFor(exp, stored), true, nil
}

func resultFor(exp domain.Experiment, a domain.Assignment) Result {
	variant, found := lo.Find(exp.Variants, func(v domain.Variant) bool { return v.Name == a.Variant })
	return Result{Assignment: a, Variant: variant, Active: exp.Active && found}
}

// Bucket выбирает вариант по sha256("{exp}:{unit}"): первые 48 бит масштабируются на сумму весов.
func Bucket(expID, unit string, variants []domain.Variant) (domain.Variant, bool) {
	total := lo.SumBy(variants, func(v domain.Variant) float64 { return max(v.Weight, 0) })
	if total <= 0 {
		return domain.Variant{}, false
	}

	sum := sha256.Sum256([]byte(expID + ":" + unit))
	var buf [8]byte
	copy(buf[2:], sum[:6])
	point := float64(binary.BigEndian.Uint64(buf[:])) / hashSpace * total

	var acc float64
	for _, v := range variants {
		acc += max(v.Weight, 0)
		if point < acc {
			return v, true
		}
	}
	return variants[len(variants)-1], true
}
