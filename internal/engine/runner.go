package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/devblac/chainforge/internal/config"
	"github.com/devblac/chainforge/internal/metrics"
	"github.com/devblac/chainforge/internal/sink"
	"github.com/devblac/chainforge/internal/source/evm"
	"github.com/devblac/chainforge/internal/storage"
)

const defaultDedupeTTL = 24 * time.Hour

// Runner matches normalized events against notification rules and delivers
// the matches to sinks. Events arrive at least once, so every rule is
// deduplicated; by default on the event id.
type Runner struct {
	store     *storage.Store
	sinks     map[string]sink.Sender
	rules     []ruleExec
	networkID string
	metrics   *metrics.Metrics
	logger    *slog.Logger
	dryRun    bool
	nowFunc   func() time.Time

	mu sync.Mutex
}

type ruleExec struct {
	rule   config.Rule
	preds  []Predicate
	ttl    time.Duration
	bucket *TokenBucket
}

// NewRunner compiles rules. m may be nil.
func NewRunner(store *storage.Store, networkID string, rules []config.Rule, sinks map[string]sink.Sender, m *metrics.Metrics, logger *slog.Logger, dryRun bool) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	execs := make([]ruleExec, 0, len(rules))
	for _, r := range rules {
		preds, err := CompilePredicates(r.Where)
		if err != nil {
			return nil, fmt.Errorf("rule %s predicates: %w", r.ID, err)
		}
		ttl := defaultDedupeTTL
		if r.Dedupe != nil && r.Dedupe.TTL != "" {
			if d, err := time.ParseDuration(r.Dedupe.TTL); err == nil {
				ttl = d
			}
		}
		var bucket *TokenBucket
		if r.RateLimit != nil && r.RateLimit.Capacity > 0 {
			bucket = NewTokenBucket(r.RateLimit.Capacity, r.RateLimit.PerSecond)
		}
		execs = append(execs, ruleExec{rule: r, preds: preds, ttl: ttl, bucket: bucket})
	}

	return &Runner{
		store:     store,
		sinks:     sinks,
		rules:     execs,
		networkID: networkID,
		metrics:   m,
		logger:    logger,
		dryRun:    dryRun,
		nowFunc:   time.Now,
	}, nil
}

// Listener adapts the runner to a synchronizer listener. Errors are logged.
func (r *Runner) Listener(ctx context.Context) func(evm.NormalizedEvent) {
	return func(ev evm.NormalizedEvent) {
		if err := r.Handle(ctx, ev); err != nil {
			r.logger.Warn("notification rules failed", "event", ev.ID(), "err", err)
			r.metrics.Errors()
		}
	}
}

// Handle runs ev through every rule. Events withdrawn by a reorg are ignored.
func (r *Runner) Handle(ctx context.Context, ev evm.NormalizedEvent) error {
	if ev.Removed {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	args := matchArgs(ev)
	for i := range r.rules {
		exec := &r.rules[i]
		if !exec.matches(ev) {
			continue
		}
		pass, err := allPredicates(exec.preds, args)
		if err != nil || !pass {
			continue
		}

		pattern := ""
		if exec.rule.Dedupe != nil {
			pattern = exec.rule.Dedupe.Key
		}
		key := exec.rule.ID + "|" + buildDedupeKey(pattern, ev)
		now := r.nowFunc()
		isDup, err := r.store.IsDuplicate(ctx, key, now)
		if err != nil {
			return err
		}
		if isDup {
			continue
		}
		if err := r.store.MarkDedupe(ctx, key, now.Add(exec.ttl)); err != nil {
			return err
		}

		if exec.bucket != nil && !exec.bucket.Allow(now) {
			r.logger.Info("notification rate limited", "rule", exec.rule.ID, "event", ev.ID())
			r.metrics.AlertsDropped()
			continue
		}
		if r.dryRun {
			r.logger.Info("dry-run match", "rule", exec.rule.ID, "event", ev.ID(), "type", ev.Type)
			continue
		}
		r.deliver(ctx, exec.rule, ev, args)
	}
	return nil
}

// deliver sends to each sink of rule and records the outcome. A failing sink
// does not stop the others.
func (r *Runner) deliver(ctx context.Context, rule config.Rule, ev evm.NormalizedEvent, args map[string]any) {
	payload := r.toSinkPayload(ev, rule.ID, args)
	for _, sinkID := range rule.Sinks {
		s := r.sinks[sinkID]
		if s == nil {
			continue
		}
		d := storage.Delivery{EventID: ev.ID(), RuleID: rule.ID, SinkID: sinkID, Status: "sent", CreatedAt: r.nowFunc().UTC()}
		if err := s.Send(ctx, payload); err != nil {
			r.logger.Warn("sink delivery failed", "rule", rule.ID, "sink", sinkID, "event", ev.ID(), "err", err)
			r.metrics.AlertsDropped()
			d.Status, d.Error = "failed", err.Error()
		} else {
			r.metrics.AlertsSent()
		}
		if err := r.store.InsertDelivery(ctx, d); err != nil {
			r.logger.Warn("record delivery failed", "rule", rule.ID, "sink", sinkID, "event", ev.ID(), "err", err)
		}
	}
}

func (e *ruleExec) matches(ev evm.NormalizedEvent) bool {
	if e.rule.Event != "" && e.rule.Event != string(ev.Type) {
		return false
	}
	c := e.rule.Contract
	if c == "" {
		return true
	}
	return strings.EqualFold(c, ev.Contract) || strings.EqualFold(c, ev.Binding)
}

// matchArgs exposes decoded args plus a few envelope fields to predicates.
// Decoded args win on name clashes.
func matchArgs(ev evm.NormalizedEvent) map[string]any {
	args := map[string]any{
		"contract":     ev.Contract,
		"binding":      ev.Binding,
		"block_number": ev.BlockNumber,
		"tx_hash":      ev.TxHash,
	}
	for k, v := range ev.PlainArgs() {
		args[k] = v
	}
	return args
}

func allPredicates(preds []Predicate, args map[string]any) (bool, error) {
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// buildDedupeKey expands txhash, logIndex and type in pattern. The default
// pattern keys on the log itself.
func buildDedupeKey(pattern string, ev evm.NormalizedEvent) string {
	if pattern == "" {
		pattern = "txhash:logIndex"
	}
	key := strings.ReplaceAll(pattern, "txhash", ev.TxHash)
	key = strings.ReplaceAll(key, "logIndex", fmt.Sprintf("%d", ev.LogIndex))
	key = strings.ReplaceAll(key, "type", string(ev.Type))
	return key
}

func (r *Runner) toSinkPayload(ev evm.NormalizedEvent, ruleID string, args map[string]any) sink.EventPayload {
	return sink.EventPayload{
		RuleID:      ruleID,
		EventID:     ev.ID(),
		Network:     r.networkID,
		Type:        string(ev.Type),
		Contract:    ev.Contract,
		Binding:     ev.Binding,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		Args:        args,
	}
}
