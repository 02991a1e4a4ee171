// Package returns распознаёт возвраты посылок по статусам перевозчика и проводит их последствия.
package returns

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// Причины возврата.
const (
	ReasonReturnToSender = "RETURN_TO_SENDER"
	ReasonRefused        = "REFUSED"
	ReasonNotPickedUp    = "NOT_PICKED_UP"
	ReasonStorageExpired = "STORAGE_EXPIRED"
)

// Detection — распознанная стадия возврата.
type Detection struct {
	Stage      domain.ReturnStage `json:"stage"`
	Reason     string             `json:"reason"`
	Confidence float64            `json:"confidence"`
}

type textRule struct {
	needles []string
	det     Detection
}

var codeRules = map[string]Detection{
	"102": {Stage: domain.ReturnStageReturning, Reason: ReasonRefused, Confidence: 0.95},
	"103": {Stage: domain.ReturnStageReturning, Reason: ReasonRefused, Confidence: 0.95},
	"108": {Stage: domain.ReturnStageReturned, Reason: ReasonReturnToSender, Confidence: 0.95},
}

// RETURNED проверяется раньше RETURNING: "повернено" точнее, чем "повернення".
var textRules = []textRule{
	{
		needles: []string{"повернено відправнику", "доставлено відправнику"},
		det:     Detection{Stage: domain.ReturnStageReturned, Reason: ReasonReturnToSender, Confidence: 0.90},
	},
	{
		needles: []string{"повертається", "повернення"},
		det:     Detection{Stage: domain.ReturnStageReturning, Reason: ReasonReturnToSender, Confidence: 0.85},
	},
	{
		needles: []string{"відмова"},
		det:     Detection{Stage: domain.ReturnStageReturning, Reason: ReasonRefused, Confidence: 0.80},
	},
	{
		needles: []string{"не забра", "не отриман"},
		det:     Detection{Stage: domain.ReturnStageReturning, Reason: ReasonNotPickedUp, Confidence: 0.75},
	},
	{
		needles: []string{"термін зберігання"},
		det:     Detection{Stage: domain.ReturnStageReturning, Reason: ReasonStorageExpired, Confidence: 0.75},
	},
}

var lower = cases.Lower(language.Ukrainian)

// Classify распознаёт возврат: сначала числовой код, затем текст статуса.
func Classify(code, text string) (Detection, bool) {
	if det, ok := codeRules[strings.TrimSpace(code)]; ok {
		return det, true
	}
	normalized := lower.String(strings.Join(strings.Fields(text), " "))
	if normalized == "" {
		return Detection{}, false
	}
	for _, rule := range textRules {
		for _, needle := range rule.needles {
			if strings.Contains(normalized, needle) {
				return rule.det, true
			}
		}
	}
	return Detection{}, false
}
