package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoop_RunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		if err := l.Post(func() { got = append(got, i) }); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Do(context.Background(), func() {}); err != nil {
		t.Fatal(err)
	}

	var snapshot []int
	l.Do(context.Background(), func() { snapshot = append(snapshot, got...) })
	if len(snapshot) != 50 {
		t.Fatalf("ran %d tasks, want 50", len(snapshot))
	}
	for i, v := range snapshot {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestLoop_SerializesConcurrentPosters(t *testing.T) {
	l := startLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var got int
	l.Do(context.Background(), func() { got = counter })
	if got != 1000 {
		t.Errorf("counter = %d, want 1000", got)
	}
}

func TestLoop_SurvivesPanics(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("loop stopped processing after a panic")
	}
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := NewLoop(1)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	if err := l.Post(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Post() = %v, want ErrStopped", err)
	}
}
