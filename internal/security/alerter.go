package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Audit event names.
const (
	EventLogin        = "auth.login"
	EventSignupStart  = "auth.signup.start"
	EventSignupVerify = "auth.signup.verify"
	EventSignupResend = "auth.signup.resend"
	EventChatTurn     = "chat.turn"
)

// Audit outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFail        = "fail"
	OutcomeRateLimited = "rate_limited"
)

var windowCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Rule fires once Threshold matching events are seen from one client IP
// inside a window.
type Rule struct {
	Threshold int64
	Window    time.Duration
}

// Result describes one observation.
type Result struct {
	Triggered bool
	Count     int64
	Rule      Rule
}

// DefaultRules covers failed credential and code checks plus throttled
// requests. The key is "event|outcome"; an empty event matches any event.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		EventLogin + "|" + OutcomeFail:        {Threshold: 10, Window: 5 * time.Minute},
		EventSignupVerify + "|" + OutcomeFail: {Threshold: 10, Window: 5 * time.Minute},
		EventSignupStart + "|" + OutcomeFail:  {Threshold: 20, Window: 5 * time.Minute},
		"|" + OutcomeRateLimited:              {Threshold: 20, Window: time.Minute},
	}
}

// AuditAlerter counts security events per client IP in Redis and logs a
// warning when a rule threshold is reached.
type AuditAlerter struct {
	client *redis.Client
	prefix string
	rules  map[string]Rule
	now    func() time.Time
}

// NewAuditAlerter returns nil when addr is empty; a nil alerter observes nothing.
func NewAuditAlerter(addr, password, prefix string) *AuditAlerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "navid:alerts"
	}
	return &AuditAlerter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		rules:  DefaultRules(),
		now:    time.Now,
	}
}

// Observe records event/outcome for ip. Events without a matching rule are
// ignored.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (Result, error) {
	if a == nil || a.client == nil {
		return Result{}, nil
	}
	rule, ok := a.ruleFor(event, outcome)
	if !ok || rule.Window <= 0 || rule.Threshold <= 0 {
		return Result{}, nil
	}
	windowMs := rule.Window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, segment(event), segment(outcome), segment(ip), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := windowCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return Result{}, err
	}
	res := Result{Count: count, Rule: rule, Triggered: count == rule.Threshold}
	if res.Triggered {
		slog.Warn("security alert",
			"event", event, "outcome", outcome, "client_ip", ip,
			"count", count, "window", rule.Window.String())
	}
	return res, nil
}

// Record is Observe for callers that only want the side effect.
func (a *AuditAlerter) Record(ctx context.Context, event, outcome, ip string) {
	if _, err := a.Observe(ctx, event, outcome, ip); err != nil {
		slog.Warn("audit alert counter failed", "event", event, "err", err)
	}
}

func (a *AuditAlerter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *AuditAlerter) ruleFor(event, outcome string) (Rule, bool) {
	event = strings.TrimSpace(event)
	outcome = strings.TrimSpace(outcome)
	if r, ok := a.rules[event+"|"+outcome]; ok {
		return r, true
	}
	r, ok := a.rules["|"+outcome]
	return r, ok
}

func segment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
