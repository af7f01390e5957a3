package nekoshare

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

type recorder struct {
	name  string
	j     *journal
	panic bool
}

func (r *recorder) Init() { r.j.add(r.name + ":init") }

func (r *recorder) Run(done chan struct{}) {
	<-done
	r.j.add(r.name + ":run")
}

func (r *recorder) Destroy() {
	r.j.add(r.name + ":destroy")
	if r.panic {
		panic("boom")
	}
}

func TestModuleLifecycle(t *testing.T) {
	j := &journal{}
	a := &recorder{name: "a", j: j}
	b := &recorder{name: "b", j: j, panic: true}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunContext(ctx, a, b)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunContext did not return")
	}

	want := []string{"a:init", "b:init", "b:run", "b:destroy", "a:run", "a:destroy"}
	if got := j.snapshot(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestDestroyForgetsModules(t *testing.T) {
	j := &journal{}
	Register(&recorder{name: "x", j: j})
	Init()
	Destroy()
	Destroy()

	if got := j.snapshot(); len(got) != 3 {
		t.Errorf("expected a single lifecycle, got %v", got)
	}
}
