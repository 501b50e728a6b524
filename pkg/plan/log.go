// Package plan implements the CRDT plan op-log of spec.md §4.5: the sole
// mutation path is append_op, and every derived view (tasks-by-state,
// ready-tasks, ancestors/descendants, topological sort) is computed from
// the accumulated op set rather than stored as independent mutable state.
// Any two nodes that have applied the same set of ops materialize
// identical views, regardless of the order ops arrived in.
package plan

import (
	"fmt"
	"sort"
	"sync"

	"github.com/canswarm/kernel/pkg/kernel"
)

// Op is one entry in the append-only op-log.
type Op struct {
	Type     kernel.OpType
	Lamport  uint64
	ActorID  string
	TaskID   string
	TaskType string // ADD_TASK
	Parent   string // LINK
	Child    string // LINK
	State    kernel.TaskState // STATE
	Key      string // ANNOTATE
	Value    string // ANNOTATE
	Requires string // REQUIRES: task that TaskID requires
	Produces string // PRODUCES: artifact hash TaskID produces
}

// taskRecord is the materialized view of a single task built by folding
// ops in the rules of spec.md §4.5. Field-level conflict resolution is
// independent per field, matching the op-log's per-field CRDT semantics.
type taskRecord struct {
	taskID   string
	taskType string
	typeLamport uint64
	typeActor   string

	state           kernel.TaskState
	lastStateLamport uint64
	lastStateActor   string

	annotations     map[string]string
	annotationMeta  map[string]annotationStamp

	threadID string
}

type annotationStamp struct {
	lamport uint64
	actor   string
}

// Log is the plan op-log for a single thread. Writes are serialized
// inside a single logical owner per spec.md §5; Log's mutex enforces that
// locally the same way the teacher serializes writes to its KV stores.
type Log struct {
	mu sync.RWMutex

	ops   []Op
	tasks map[string]*taskRecord

	links    map[string]map[string]struct{} // parent -> children
	rlinks   map[string]map[string]struct{} // child -> parents
	requires map[string]map[string]struct{} // task -> tasks it requires
	produces map[string]map[string]struct{} // task -> artifact hashes
}

// New returns an empty plan op-log.
func New() *Log {
	return &Log{
		tasks:    make(map[string]*taskRecord),
		links:    make(map[string]map[string]struct{}),
		rlinks:   make(map[string]map[string]struct{}),
		requires: make(map[string]map[string]struct{}),
		produces: make(map[string]map[string]struct{}),
	}
}

// AppendOp is the sole mutation path (spec.md §4.5). It is idempotent: a
// byte-identical op that was already applied is folded again harmlessly
// since every materialization rule is itself idempotent under re-application.
func (l *Log) AppendOp(op Op) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch op.Type {
	case kernel.OpAddTask:
		l.applyAddTask(op)
	case kernel.OpLink:
		l.applyLink(op)
	case kernel.OpState:
		l.applyState(op)
	case kernel.OpAnnotate:
		l.applyAnnotate(op)
	case kernel.OpRequires:
		l.applyRequires(op)
	case kernel.OpProduces:
		l.applyProduces(op)
	default:
		return kernel.New(kernel.ErrUnknownVerb, "unknown op type %q", op.Type)
	}
	l.ops = append(l.ops, op)
	return nil
}

func (l *Log) getOrCreate(taskID string) *taskRecord {
	t, ok := l.tasks[taskID]
	if !ok {
		t = &taskRecord{
			taskID:         taskID,
			state:          kernel.StateDraft,
			annotations:    make(map[string]string),
			annotationMeta: make(map[string]annotationStamp),
		}
		l.tasks[taskID] = t
	}
	return t
}

// applyAddTask is a G-Set: first ADD (lowest Lamport, actor_id tie-break)
// wins the task_type; duplicate ADDs for the same task_id are no-ops.
func (l *Log) applyAddTask(op Op) {
	t := l.getOrCreate(op.TaskID)
	if t.taskType == "" {
		t.taskType, t.typeLamport, t.typeActor = op.TaskType, op.Lamport, op.ActorID
		return
	}
	if firstWins(op.Lamport, op.ActorID, t.typeLamport, t.typeActor) {
		t.taskType, t.typeLamport, t.typeActor = op.TaskType, op.Lamport, op.ActorID
	}
}

// applyLink is a G-Set over (parent, child): membership only grows, never
// shrinks. Acyclic checking is deferred to read views, per spec.md §4.5.
func (l *Log) applyLink(op Op) {
	l.getOrCreate(op.Parent)
	l.getOrCreate(op.Child)
	if l.links[op.Parent] == nil {
		l.links[op.Parent] = make(map[string]struct{})
	}
	l.links[op.Parent][op.Child] = struct{}{}
	if l.rlinks[op.Child] == nil {
		l.rlinks[op.Child] = make(map[string]struct{})
	}
	l.rlinks[op.Child][op.Parent] = struct{}{}
}

// applyState applies only if the target state is >= current rank and the
// op's Lamport exceeds the last applied STATE op's Lamport; ties broken by
// actor_id (spec.md §4.5). The side states INVALID and ORPHANED apply only
// from CLAIMED, DECIDED or VERIFIED, and nothing moves a task out of them.
func (l *Log) applyState(op Op) {
	t := l.getOrCreate(op.TaskID)
	if op.State == kernel.StateInvalid || op.State == kernel.StateOrphaned {
		if t.state != kernel.StateClaimed && t.state != kernel.StateDecided && t.state != kernel.StateVerified {
			return
		}
	} else if !op.State.GE(t.state) {
		return
	}
	if op.Lamport < t.lastStateLamport {
		return
	}
	if op.Lamport == t.lastStateLamport && op.ActorID <= t.lastStateActor {
		return
	}
	t.state, t.lastStateLamport, t.lastStateActor = op.State, op.Lamport, op.ActorID
}

// applyAnnotate is Last-Writer-Wins keyed by (Lamport, actor_id).
func (l *Log) applyAnnotate(op Op) {
	t := l.getOrCreate(op.TaskID)
	cur, ok := t.annotationMeta[op.Key]
	if ok && !wins(op.Lamport, op.ActorID, cur.lamport, cur.actor) {
		return
	}
	t.annotations[op.Key] = op.Value
	t.annotationMeta[op.Key] = annotationStamp{lamport: op.Lamport, actor: op.ActorID}
}

func (l *Log) applyRequires(op Op) {
	l.getOrCreate(op.TaskID)
	if l.requires[op.TaskID] == nil {
		l.requires[op.TaskID] = make(map[string]struct{})
	}
	l.requires[op.TaskID][op.Requires] = struct{}{}
}

func (l *Log) applyProduces(op Op) {
	l.getOrCreate(op.TaskID)
	if l.produces[op.TaskID] == nil {
		l.produces[op.TaskID] = make(map[string]struct{})
	}
	l.produces[op.TaskID][op.Produces] = struct{}{}
}

// wins reports whether (lamportA, actorA) wins the LWW/G-Set tie-break
// over (lamportB, actorB): higher Lamport wins, ties broken by lexically
// greater actor_id.
func wins(lamportA uint64, actorA string, lamportB uint64, actorB string) bool {
	if lamportA != lamportB {
		return lamportA > lamportB
	}
	return actorA > actorB
}

// firstWins reports whether (lamportA, actorA) wins the ADD_TASK G-Set
// tie-break over (lamportB, actorB): lowest Lamport wins, ties broken by
// lexically lesser actor_id (spec.md §4.5: first ADD wins).
func firstWins(lamportA uint64, actorA string, lamportB uint64, actorB string) bool {
	if lamportA != lamportB {
		return lamportA < lamportB
	}
	return actorA < actorB
}

// --- Read views -------------------------------------------------------

// TaskView is a read-only snapshot of a materialized task.
type TaskView struct {
	TaskID      string
	TaskType    string
	State       kernel.TaskState
	Annotations map[string]string
}

func (l *Log) view(t *taskRecord) TaskView {
	ann := make(map[string]string, len(t.annotations))
	for k, v := range t.annotations {
		ann[k] = v
	}
	return TaskView{TaskID: t.taskID, TaskType: t.taskType, State: t.state, Annotations: ann}
}

// Task returns the materialized view of one task.
func (l *Log) Task(taskID string) (TaskView, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return TaskView{}, false
	}
	return l.view(t), true
}

// TasksByState returns every task whose materialized state equals state,
// ordered by task_id for determinism.
func (l *Log) TasksByState(state kernel.TaskState) []TaskView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []TaskView
	for _, t := range l.tasks {
		if t.state == state {
			out = append(out, l.view(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// ReadyTasks returns DRAFT tasks whose every REQUIRES edge targets a task
// already in StateFinal (spec.md §4.5: "ready-tasks (DRAFT with all
// REQUIRES satisfied)").
func (l *Log) ReadyTasks() []TaskView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []TaskView
	for id, t := range l.tasks {
		if t.state != kernel.StateDraft {
			continue
		}
		satisfied := true
		for req := range l.requires[id] {
			dep, ok := l.tasks[req]
			if !ok || dep.state != kernel.StateFinal {
				satisfied = false
				break
			}
		}
		if satisfied {
			out = append(out, l.view(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Children returns the direct LINK children of taskID, sorted.
func (l *Log) Children(taskID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.links[taskID])
}

// Parents returns the direct LINK parents of taskID, sorted.
func (l *Log) Parents(taskID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.rlinks[taskID])
}

// Descendants returns every task reachable from taskID by following LINK
// edges forward, sorted.
func (l *Log) Descendants(taskID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]struct{})
	l.walk(taskID, l.links, seen)
	delete(seen, taskID)
	return sortedSet(seen)
}

// Ancestors returns every task that can reach taskID by following LINK
// edges forward, sorted.
func (l *Log) Ancestors(taskID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]struct{})
	l.walk(taskID, l.rlinks, seen)
	delete(seen, taskID)
	return sortedSet(seen)
}

func (l *Log) walk(start string, edges map[string]map[string]struct{}, seen map[string]struct{}) {
	if _, ok := seen[start]; ok {
		return
	}
	seen[start] = struct{}{}
	for next := range edges[start] {
		l.walk(next, edges, seen)
	}
}

// TopoSort returns a topological order of all tasks. It returns
// ErrCycleDetected if the LINK graph is not acyclic — the sort is defined
// only if acyclic, per spec.md §4.5.
func (l *Log) TopoSort() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	indegree := make(map[string]int, len(l.tasks))
	for id := range l.tasks {
		indegree[id] = len(l.rlinks[id])
	}
	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		var children []string
		for c := range l.links[n] {
			children = append(children, c)
		}
		sort.Strings(children)
		for _, c := range children {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if len(order) != len(l.tasks) {
		return nil, kernel.New(kernel.ErrCycleDetected, "link graph has a cycle")
	}
	return order, nil
}

// HasCycle reports whether the LINK graph contains a cycle, without
// constructing a full order.
func (l *Log) HasCycle() bool {
	_, err := l.TopoSort()
	return err != nil
}

func sortedKeys(m map[string]struct{}) []string {
	return sortedSet(m)
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// String implements fmt.Stringer for debugging op dumps.
func (op Op) String() string {
	return fmt.Sprintf("%s(task=%s lamport=%d actor=%s)", op.Type, op.TaskID, op.Lamport, op.ActorID)
}
