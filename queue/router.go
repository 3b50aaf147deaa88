package queue

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Router resolves a task name plus optional explicit overrides into a
// (queue, priority) pair. Matching is longest-prefix over the registered
// rules; unmatched names fall back to the default queue. Resolution is pure:
// the same input always yields the same output for a given table snapshot.
//
// The routing table is held as an immutable snapshot behind an atomic pointer;
// Reload swaps the whole snapshot so concurrent readers never observe a
// partial update.
type Router struct {
	table atomic.Pointer[routingTable]
}

type routingTable struct {
	queues          map[string]QueueDefinition
	rules           []RouteRule // sorted by descending pattern length
	defaultQueue    string
	defaultPriority Priority
}

// Resolution is the outcome of routing one task name.
type Resolution struct {
	Queue    string
	Priority Priority
}

// NewRouter builds a router from static queue definitions and routing rules.
// Every rule must target a defined queue; violations are reported here, at
// registration time, so dispatch never fails on configuration.
func NewRouter(defs []QueueDefinition, rules []RouteRule, defaultQueue string) (*Router, error) {
	table, err := buildTable(defs, rules, defaultQueue)
	if err != nil {
		return nil, err
	}

	r := &Router{}
	r.table.Store(table)
	return r, nil
}

// Reload atomically replaces the routing table snapshot. On error the
// previous snapshot stays in effect.
func (r *Router) Reload(defs []QueueDefinition, rules []RouteRule, defaultQueue string) error {
	table, err := buildTable(defs, rules, defaultQueue)
	if err != nil {
		return err
	}
	r.table.Store(table)
	return nil
}

func buildTable(defs []QueueDefinition, rules []RouteRule, defaultQueue string) (*routingTable, error) {
	if defaultQueue == "" {
		defaultQueue = DefaultQueueName
	}

	queues := make(map[string]QueueDefinition, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("%w: queue definition without a name", ErrRouting)
		}
		if def.Concurrency <= 0 {
			def.Concurrency = 1
		}
		if def.FullPolicy == "" {
			def.FullPolicy = FullPolicyReject
		}
		queues[def.Name] = def
	}

	if _, ok := queues[defaultQueue]; !ok {
		return nil, fmt.Errorf("%w: default queue %q", ErrRouting, defaultQueue)
	}

	sorted := make([]RouteRule, len(rules))
	copy(sorted, rules)
	for _, rule := range sorted {
		if _, ok := queues[rule.Queue]; !ok {
			return nil, fmt.Errorf("%w: rule %q targets queue %q", ErrRouting, rule.Pattern, rule.Queue)
		}
		if !rule.Priority.Valid() {
			return nil, fmt.Errorf("rule %q: %w", rule.Pattern, ErrInvalidPriority)
		}
	}
	// Longest pattern first so the first prefix match wins.
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Pattern) > len(sorted[j].Pattern)
	})

	return &routingTable{
		queues:          queues,
		rules:           sorted,
		defaultQueue:    defaultQueue,
		defaultPriority: PriorityDefault,
	}, nil
}

// Resolve returns the target queue and priority for a task name. Explicit
// overrides take precedence over rule matches; an override naming an unknown
// queue fails with ErrRouting.
func (r *Router) Resolve(name string, queueOverride string, priorityOverride *Priority) (Resolution, error) {
	table := r.table.Load()

	res := Resolution{Queue: table.defaultQueue, Priority: table.defaultPriority}
	for _, rule := range table.rules {
		if strings.HasPrefix(name, rule.Pattern) {
			res.Queue = rule.Queue
			res.Priority = rule.Priority
			break
		}
	}

	if queueOverride != "" {
		if _, ok := table.queues[queueOverride]; !ok {
			return Resolution{}, fmt.Errorf("%w: queue override %q", ErrRouting, queueOverride)
		}
		res.Queue = queueOverride
	}
	if priorityOverride != nil {
		if !priorityOverride.Valid() {
			return Resolution{}, ErrInvalidPriority
		}
		res.Priority = *priorityOverride
	}

	return res, nil
}

// Queue returns the definition of a named queue from the current snapshot.
func (r *Router) Queue(name string) (QueueDefinition, bool) {
	table := r.table.Load()
	def, ok := table.queues[name]
	return def, ok
}

// Queues returns the queue definitions of the current snapshot.
func (r *Router) Queues() []QueueDefinition {
	table := r.table.Load()
	defs := make([]QueueDefinition, 0, len(table.queues))
	for _, def := range table.queues {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// DefaultQueue returns the fallback queue name of the current snapshot.
func (r *Router) DefaultQueue() string {
	return r.table.Load().defaultQueue
}
