package policy

import (
	"fmt"
	"time"

	"github.com/armoriq/sentinel/internal/intent"
)

// ruleMeta carries the identity shared by all rule implementations.
type ruleMeta struct {
	id        string
	domain    string
	predicate string
	desc      string
}

func (m ruleMeta) ID() string { return m.id }

func (m ruleMeta) Descriptor() RuleDescriptor {
	return RuleDescriptor{ID: m.id, Domain: m.domain, Predicate: m.predicate, Description: m.desc}
}

// stepTime resolves the scheduling instant an intent refers to: the "date"
// and "time" arguments when present, otherwise zero.
func stepTime(it *intent.Intent) (time.Time, bool) {
	dateStr := argString(it.Args, "date")
	if dateStr == "" {
		return time.Time{}, false
	}
	timeStr := argString(it.Args, "time")
	if timeStr == "" {
		timeStr = "00:00"
	}
	t, err := time.Parse("2006-01-02 15:04", dateStr+" "+timeStr)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// WeekendBanRule blocks scheduling actions that land on a weekend.
type WeekendBanRule struct {
	ruleMeta
	Tools []string
}

func newWeekendBanRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string `yaml:"tools"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &WeekendBanRule{
		ruleMeta: ruleMeta{id: id, domain: "temporal", predicate: "weekend_ban",
			desc: "Block scheduling on weekends"},
		Tools: p.Tools,
	}, nil
}

func (r *WeekendBanRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	t, ok := stepTime(it)
	if !ok {
		return NotApplicable()
	}
	if t.Weekday() != time.Saturday && t.Weekday() != time.Sunday {
		return Allow(r.id)
	}

	// Propose the next weekday as the auto-fix.
	next := t
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Reschedule to a weekday, e.g. %s", next.Format("2006-01-02")),
		AutoFix:       map[string]interface{}{"date": next.Format("2006-01-02")},
		Reversibility: intent.ReversibilityHigh,
		Suggestions: []intent.Suggestion{
			{
				Type:          "modify_value",
				Field:         "date",
				Value:         next.Format("2006-01-02"),
				Description:   "Move to the next weekday",
				Reversibility: intent.ReversibilityHigh,
			},
		},
	}
	return Deny(r.id, fmt.Sprintf("cannot schedule on %s (weekend)", t.Weekday()), rem)
}

// BusinessHoursRule blocks scheduling outside the configured working hours.
type BusinessHoursRule struct {
	ruleMeta
	Tools     []string
	StartHour int
	EndHour   int
}

func newBusinessHoursRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools     []string `yaml:"tools"`
		StartHour int      `yaml:"start_hour"`
		EndHour   int      `yaml:"end_hour"`
	}{StartHour: 9, EndHour: 17}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &BusinessHoursRule{
		ruleMeta: ruleMeta{id: id, domain: "temporal", predicate: "business_hours",
			desc: "Block scheduling outside business hours"},
		Tools: p.Tools, StartHour: p.StartHour, EndHour: p.EndHour,
	}, nil
}

func (r *BusinessHoursRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	t, ok := stepTime(it)
	if !ok || argString(it.Args, "time") == "" {
		return NotApplicable()
	}
	if t.Hour() >= r.StartHour && t.Hour() < r.EndHour {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Choose a time between %02d:00 and %02d:00", r.StartHour, r.EndHour),
		Reversibility: intent.ReversibilityHigh,
		Suggestions: []intent.Suggestion{
			{
				Type:          "modify_value",
				Field:         "time",
				Value:         fmt.Sprintf("%02d:00", r.StartHour),
				Description:   "Move inside business hours",
				Reversibility: intent.ReversibilityHigh,
			},
		},
	}
	return Deny(r.id,
		fmt.Sprintf("cannot schedule at %02d:%02d (outside %02d:00-%02d:00)",
			t.Hour(), t.Minute(), r.StartHour, r.EndHour), rem)
}

// DailyQuotaRule caps how many quota-tracked actions an actor may take per
// day. The running count is supplied through the evaluation context.
type DailyQuotaRule struct {
	ruleMeta
	Tools     []string
	MaxPerDay int
}

func newDailyQuotaRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools     []string `yaml:"tools"`
		MaxPerDay int      `yaml:"max_per_day"`
	}{MaxPerDay: 10}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &DailyQuotaRule{
		ruleMeta: ruleMeta{id: id, domain: "temporal", predicate: "daily_quota",
			desc: "Per-actor daily action quota"},
		Tools: p.Tools, MaxPerDay: p.MaxPerDay,
	}, nil
}

func (r *DailyQuotaRule) Evaluate(it *intent.Intent, ctx *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	if ctx == nil {
		return NotApplicable()
	}
	if ctx.DailyActionCount < r.MaxPerDay {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Daily quota of %d reached; retry tomorrow or request a quota raise", r.MaxPerDay),
		Reversibility: intent.ReversibilityHigh,
		Suggestions: []intent.Suggestion{
			{Type: "escalate", Description: "Request a temporary quota increase",
				Reversibility: intent.ReversibilityMedium, RequiresApproval: true},
		},
	}
	return Deny(r.id, fmt.Sprintf("daily quota exceeded (%d/%d)", ctx.DailyActionCount, r.MaxPerDay), rem)
}

// NoticePeriodRule warns when a meeting is booked with too little advance
// notice.
type NoticePeriodRule struct {
	ruleMeta
	Tools          []string
	MinNoticeHours int
}

func newNoticePeriodRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools          []string `yaml:"tools"`
		MinNoticeHours int      `yaml:"min_notice_hours"`
	}{MinNoticeHours: 24}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &NoticePeriodRule{
		ruleMeta: ruleMeta{id: id, domain: "temporal", predicate: "notice_period",
			desc: "Warn on short-notice scheduling"},
		Tools: p.Tools, MinNoticeHours: p.MinNoticeHours,
	}, nil
}

func (r *NoticePeriodRule) Evaluate(it *intent.Intent, ctx *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	t, ok := stepTime(it)
	if !ok {
		return NotApplicable()
	}
	now := ctx.EffectiveTime(it)
	if t.Sub(now) >= time.Duration(r.MinNoticeHours)*time.Hour {
		return Allow(r.id)
	}
	return Warn(r.id, fmt.Sprintf("less than %dh notice for scheduled event", r.MinNoticeHours))
}
