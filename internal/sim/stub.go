package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StubFunc is a non-destructive tool stub: pure, deterministic, and
// forbidden from touching the outside world. The return value feeds
// chained arguments in later plan steps.
type StubFunc func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Registry maps tool names to stubs.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]StubFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stubs: make(map[string]StubFunc)}
}

// Register installs a stub for a tool name, replacing any existing one.
func (r *Registry) Register(tool string, fn StubFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stubs[tool] = fn
}

// Lookup returns the stub for a tool name.
func (r *Registry) Lookup(tool string) (StubFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.stubs[tool]
	return fn, ok
}

// DefaultRegistry returns a registry covering the built-in enterprise tool
// surface: calendar, email, HRIS, payroll, offers, and performance.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register("Calendar.check", func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"status":    "success",
			"available": true,
			"date":      args["date"],
			"time":      args["time"],
		}, nil
	})
	r.Register("Calendar.book", func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"status":    "would_book",
			"date":      args["date"],
			"time":      args["time"],
			"attendees": args["attendees"],
		}, nil
	})

	r.Register("Email.send", func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		body, _ := args["body"].(string)
		return map[string]interface{}{
			"status":      "would_send",
			"to":          args["to"],
			"subject":     args["subject"],
			"body_length": len(body),
		}, nil
	})
	r.Register("Email.draft", func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "drafted", "draft_id": "DRAFT-001"}, nil
	})

	r.Register("HRIS.get_employee", func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		employees := map[string]map[string]interface{}{
			"E001": {"name": "Alex Doe", "level": "L4", "department": "Engineering"},
			"E002": {"name": "Sam Smith", "level": "L5", "department": "Product"},
			"E003": {"name": "Robin Wilson", "level": "L3", "department": "Sales"},
		}
		id, _ := args["employee_id"].(string)
		if emp, ok := employees[id]; ok {
			return map[string]interface{}{"status": "success", "employee": emp}, nil
		}
		return map[string]interface{}{"status": "not_found"}, nil
	})
	r.Register("HRIS.get_salary_band", func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		bands := map[string][]interface{}{
			"L3": {100000, 140000},
			"L4": {130000, 180000},
			"L5": {170000, 240000},
		}
		level, _ := args["level"].(string)
		if level == "" {
			level, _ = args["role"].(string)
		}
		band, ok := bands[level]
		if !ok {
			band = []interface{}{80000, 100000}
		}
		return map[string]interface{}{"status": "success", "level": level, "range": band}, nil
	})
	r.Register("HRIS.export", func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "would_export", "record_count": args["record_count"]}, nil
	})

	r.Register("Payroll.get_salary", func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "success", "salary": 150000, "currency": "USD"}, nil
	})
	r.Register("Payroll.process_expense", func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"status":   "would_process",
			"amount":   args["amount"],
			"category": args["category"],
		}, nil
	})

	r.Register("Offer.generate", func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"status": "would_generate",
			"role":   args["role"],
			"salary": args["salary"],
			"equity": args["equity"],
		}, nil
	})
	r.Register("Offer.send", func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "would_send", "to": args["candidate_email"]}, nil
	})

	r.Register("Performance.get_reviews", func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"status":      "success",
			"employee_id": args["employee_id"],
			"reviews":     []interface{}{map[string]interface{}{"rating": 4, "period": "Q4"}},
		}, nil
	})

	return r
}

// Capabilities derives the capability set implied by a tool invocation.
// Some invocations imply more than their base capability: exports imply
// bulk reads, external recipients imply external sending.
func Capabilities(tool string, args map[string]interface{}, internalDomain string) []string {
	caps := []string{strings.ToLower(tool)}

	switch {
	case strings.EqualFold(tool, "HRIS.export"):
		caps = append(caps, "hris.bulk_read")
	case strings.EqualFold(tool, "Email.send"):
		to, _ := args["to"].(string)
		if to != "" && internalDomain != "" && !strings.HasSuffix(strings.ToLower(to), strings.ToLower(internalDomain)) {
			caps = append(caps, "email.external")
		}
	case strings.EqualFold(tool, "Payroll.get_salary"):
		caps = append(caps, "payroll.read_sensitive")
	case strings.EqualFold(tool, "Performance.get_reviews"):
		caps = append(caps, "perf.read")
	}
	return caps
}

// ErrNoStub names the missing-stub condition. Registry.Lookup reports a
// missing stub through its boolean result and the simulator does not
// return this error; it still policy-checks such steps, it just has no
// synthetic return value to chain from.
var ErrNoStub = fmt.Errorf("sim: no stub registered")
