package jobsys

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestPoolRunsInDependencyOrder(t *testing.T) {
	var order int32
	var a, b, c int32

	jc := NewJob("c", func() { c = atomic.AddInt32(&order, 1) })
	jb := NewJob("b", func() { b = atomic.AddInt32(&order, 1) }).DependsOn(jc)
	ja := NewJob("a", func() { a = atomic.AddInt32(&order, 1) }).DependsOn(jb)
	_ = ja

	p := NewPool(4)
	if err := p.Run(context.Background(), jc); err != nil {
		t.Fatalf("run: %v", err)
	}

	if c != 1 || b != 2 || a != 3 {
		t.Fatalf("expected c<b<a ordering, got c=%d b=%d a=%d", c, b, a)
	}
}

func TestPoolFanOutFanIn(t *testing.T) {
	const n = 200
	var done int32
	leaves := make([]*Job, n)
	for i := 0; i < n; i++ {
		leaves[i] = NewJob("leaf", func() { atomic.AddInt32(&done, 1) })
	}
	join := NewJob("join", func() {}).DependsOn(leaves...)

	p := NewPool(8)
	if err := p.Run(context.Background(), leaves...); err != nil {
		t.Fatalf("run: %v", err)
	}
	_ = join
	if done != n {
		t.Fatalf("expected %d leaves run, got %d", n, done)
	}
}

func TestPoolWidth(t *testing.T) {
	p := NewPool(0)
	if p.Width() != 1 {
		t.Fatalf("expected width to clamp to 1, got %d", p.Width())
	}
}
