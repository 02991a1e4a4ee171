package returns

import (
	"testing"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		code   string
		text   string
		ok     bool
		stage  domain.ReturnStage
		reason string
	}{
		{name: "returning to sender", text: "Відправлення повертається відправнику", ok: true, stage: domain.ReturnStageReturning, reason: ReasonReturnToSender},
		{name: "upper case", text: "ПОВЕРНЕННЯ ВІДПРАВЛЕННЯ", ok: true, stage: domain.ReturnStageReturning, reason: ReasonReturnToSender},
		{name: "refused", text: "Відмова від отримання", ok: true, stage: domain.ReturnStageReturning, reason: ReasonRefused},
		{name: "not picked up", text: "Одержувач не забрав посилку", ok: true, stage: domain.ReturnStageReturning, reason: ReasonNotPickedUp},
		{name: "storage expired", text: "Закінчився термін  зберігання", ok: true, stage: domain.ReturnStageReturning, reason: ReasonStorageExpired},
		{name: "returned", text: "Відправлення повернено відправнику", ok: true, stage: domain.ReturnStageReturned, reason: ReasonReturnToSender},
		{name: "delivered to sender", text: "Доставлено відправнику", ok: true, stage: domain.ReturnStageReturned, reason: ReasonReturnToSender},
		{name: "code 102", code: "102", text: "whatever", ok: true, stage: domain.ReturnStageReturning, reason: ReasonRefused},
		{name: "code 103", code: " 103 ", ok: true, stage: domain.ReturnStageReturning, reason: ReasonRefused},
		{name: "code 108 wins over text", code: "108", text: "Повертається", ok: true, stage: domain.ReturnStageReturned, reason: ReasonReturnToSender},
		{name: "in transit", code: "5", text: "Відправлення прямує до міста Київ"},
		{name: "delivered", code: "9", text: "Відправлення отримано"},
		{name: "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			det, ok := Classify(tc.code, tc.text)
			if ok != tc.ok {
				t.Fatalf("Classify(%q, %q) ok = %v, want %v", tc.code, tc.text, ok, tc.ok)
			}
			if !ok {
				return
			}
			if det.Stage != tc.stage || det.Reason != tc.reason {
				t.Fatalf("Classify(%q, %q) = %s/%s, want %s/%s", tc.code, tc.text, det.Stage, det.Reason, tc.stage, tc.reason)
			}
			if det.Confidence <= 0 || det.Confidence > 1 {
				t.Fatalf("confidence out of range: %v", det.Confidence)
			}
		})
	}
}

func TestPromoteSegment(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cur  domain.Segment
		c    domain.Counters
		want domain.Segment
	}{
		{domain.SegmentNew, domain.Counters{ReturnsTotal: 1}, domain.SegmentNew},
		{domain.SegmentNormal, domain.Counters{ReturnsTotal: 2}, domain.SegmentRisk},
		{domain.SegmentVIP, domain.Counters{ReturnsTotal: 2}, domain.SegmentVIP},
		{domain.SegmentRisk, domain.Counters{ReturnsTotal: 3, CODRefusalsTotal: 3}, domain.SegmentBlockCOD},
		{domain.SegmentBlockCOD, domain.Counters{ReturnsTotal: 4}, domain.SegmentBlockCOD},
	}
	for _, tc := range cases {
		if got := PromoteSegment(tc.cur, tc.c); got != tc.want {
			t.Fatalf("PromoteSegment(%s, %+v) = %s, want %s", tc.cur, tc.c, got, tc.want)
		}
	}
}
