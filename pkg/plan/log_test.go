package plan

import (
	"testing"

	"github.com/canswarm/kernel/pkg/kernel"
)

func TestAddTaskFirstAddWins(t *testing.T) {
	l := New()
	must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: "t1", TaskType: "fetch", Lamport: 5, ActorID: "a"}))
	must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: "t1", TaskType: "transform", Lamport: 3, ActorID: "b"}))

	v, ok := l.Task("t1")
	if !ok {
		t.Fatal("expected task to exist")
	}
	if v.TaskType != "transform" {
		t.Fatalf("expected lowest-Lamport ADD to win, got %q", v.TaskType)
	}
}

func TestAddTaskTieBreaksByLowestActorID(t *testing.T) {
	l := New()
	must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: "t1", TaskType: "fetch", Lamport: 5, ActorID: "b"}))
	must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: "t1", TaskType: "transform", Lamport: 5, ActorID: "a"}))

	v, ok := l.Task("t1")
	if !ok {
		t.Fatal("expected task to exist")
	}
	if v.TaskType != "transform" {
		t.Fatalf("expected lowest-actor_id ADD to win a Lamport tie, got %q", v.TaskType)
	}
}

func TestStateMonotoneLattice(t *testing.T) {
	l := New()
	must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: "t1", TaskType: "x", Lamport: 1, ActorID: "a"}))
	must(t, l.AppendOp(Op{Type: kernel.OpState, TaskID: "t1", State: kernel.StateClaimed, Lamport: 2, ActorID: "a"}))
	// lower rank at higher lamport must not move state backward
	must(t, l.AppendOp(Op{Type: kernel.OpState, TaskID: "t1", State: kernel.StateDraft, Lamport: 3, ActorID: "a"}))

	v, _ := l.Task("t1")
	if v.State != kernel.StateClaimed {
		t.Fatalf("expected state to remain CLAIMED, got %s", v.State)
	}

	must(t, l.AppendOp(Op{Type: kernel.OpState, TaskID: "t1", State: kernel.StateDecided, Lamport: 4, ActorID: "a"}))
	v, _ = l.Task("t1")
	if v.State != kernel.StateDecided {
		t.Fatalf("expected state to advance to DECIDED, got %s", v.State)
	}
}

func TestAnnotateLastWriterWins(t *testing.T) {
	l := New()
	must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: "t1", TaskType: "x", Lamport: 1, ActorID: "a"}))
	must(t, l.AppendOp(Op{Type: kernel.OpAnnotate, TaskID: "t1", Key: "note", Value: "first", Lamport: 5, ActorID: "a"}))
	must(t, l.AppendOp(Op{Type: kernel.OpAnnotate, TaskID: "t1", Key: "note", Value: "stale", Lamport: 2, ActorID: "z"}))

	v, _ := l.Task("t1")
	if v.Annotations["note"] != "first" {
		t.Fatalf("expected higher Lamport to win, got %q", v.Annotations["note"])
	}
}

func TestReadyTasksRequiresFinal(t *testing.T) {
	l := New()
	must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: "dep", TaskType: "x", Lamport: 1, ActorID: "a"}))
	must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: "t1", TaskType: "x", Lamport: 1, ActorID: "a"}))
	must(t, l.AppendOp(Op{Type: kernel.OpRequires, TaskID: "t1", Requires: "dep", Lamport: 1, ActorID: "a"}))

	// dep itself has no REQUIRES, so it is the only ready task
	ready := l.ReadyTasks()
	if len(ready) != 1 || ready[0].TaskID != "dep" {
		t.Fatalf("expected only dep ready (t1 not ready while dep unfinished), got %v", ready)
	}

	must(t, l.AppendOp(Op{Type: kernel.OpState, TaskID: "dep", State: kernel.StateClaimed, Lamport: 2, ActorID: "a"}))
	must(t, l.AppendOp(Op{Type: kernel.OpState, TaskID: "dep", State: kernel.StateDecided, Lamport: 3, ActorID: "a"}))
	must(t, l.AppendOp(Op{Type: kernel.OpState, TaskID: "dep", State: kernel.StateVerified, Lamport: 4, ActorID: "a"}))
	must(t, l.AppendOp(Op{Type: kernel.OpState, TaskID: "dep", State: kernel.StateFinal, Lamport: 5, ActorID: "a"}))

	ready = l.ReadyTasks()
	if len(ready) != 1 || ready[0].TaskID != "t1" {
		t.Fatalf("expected t1 ready once dep is FINAL, got %v", ready)
	}
}

func TestTopoSortDetectsCycle(t *testing.T) {
	l := New()
	must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: "a", TaskType: "x", Lamport: 1, ActorID: "n"}))
	must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: "b", TaskType: "x", Lamport: 1, ActorID: "n"}))
	must(t, l.AppendOp(Op{Type: kernel.OpLink, Parent: "a", Child: "b", Lamport: 1, ActorID: "n"}))
	must(t, l.AppendOp(Op{Type: kernel.OpLink, Parent: "b", Child: "a", Lamport: 1, ActorID: "n"}))

	if !l.HasCycle() {
		t.Fatal("expected cycle to be detected")
	}
	_, err := l.TopoSort()
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrCycleDetected {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestTopoSortOrdersAcyclicGraph(t *testing.T) {
	l := New()
	for _, id := range []string{"a", "b", "c"} {
		must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: id, TaskType: "x", Lamport: 1, ActorID: "n"}))
	}
	must(t, l.AppendOp(Op{Type: kernel.OpLink, Parent: "a", Child: "b", Lamport: 1, ActorID: "n"}))
	must(t, l.AppendOp(Op{Type: kernel.OpLink, Parent: "b", Child: "c", Lamport: 1, ActorID: "n"}))

	order, err := l.TopoSort()
	if err != nil {
		t.Fatalf("toposort: %v", err)
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Fatalf("expected a before b before c, got %v", order)
	}
}

func TestDescendantsAndAncestors(t *testing.T) {
	l := New()
	for _, id := range []string{"a", "b", "c"} {
		must(t, l.AppendOp(Op{Type: kernel.OpAddTask, TaskID: id, TaskType: "x", Lamport: 1, ActorID: "n"}))
	}
	must(t, l.AppendOp(Op{Type: kernel.OpLink, Parent: "a", Child: "b", Lamport: 1, ActorID: "n"}))
	must(t, l.AppendOp(Op{Type: kernel.OpLink, Parent: "b", Child: "c", Lamport: 1, ActorID: "n"}))

	desc := l.Descendants("a")
	if len(desc) != 2 || desc[0] != "b" || desc[1] != "c" {
		t.Fatalf("expected [b c], got %v", desc)
	}
	anc := l.Ancestors("c")
	if len(anc) != 2 || anc[0] != "a" || anc[1] != "b" {
		t.Fatalf("expected [a b], got %v", anc)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
