package main

import (
	"context"
	"sync"
	"testing"
)

func TestChunker(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []string
	}{
		{
			name:  "single lines",
			lines: []string{"x = 1", "1+1"},
			want:  []string{"x = 1", "1+1"},
		},
		{
			name:  "blank lines skipped",
			lines: []string{"", "  ", "2"},
			want:  []string{"2"},
		},
		{
			name:  "block",
			lines: []string{"def f():", "    return 3", "", "f()"},
			want:  []string{"def f():\n    return 3", "f()"},
		},
		{
			name:  "unfinished block",
			lines: []string{"for i in range(3):", "    print(i)"},
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c chunker
			var got []string
			for _, line := range tt.lines {
				if script, ok := c.add(line); ok {
					got = append(got, script)
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("scripts = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("script %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunkerFlush(t *testing.T) {
	var c chunker
	c.add("if True:")
	if !c.pending() {
		t.Fatal("block should be pending")
	}
	c.flush()
	if c.pending() {
		t.Error("flush left lines behind")
	}
}

func TestRunCancellerConcurrent(t *testing.T) {
	var r runCanceller
	r.fire()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.fire()
			}
		}
	}()

	for range 1000 {
		ctx, cancel := context.WithCancel(context.Background())
		r.set(cancel)
		r.clear()
		cancel()
		<-ctx.Done()
	}
	close(stop)
	wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.set(cancel)
	r.fire()
	if ctx.Err() == nil {
		t.Fatal("fire did not cancel the running script")
	}
	r.clear()
	r.fire()
}
