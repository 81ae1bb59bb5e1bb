package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type counter struct {
	steps []string
	n     int
}

func record(name string) StageFunc[*counter] {
	return func(ctx context.Context, s *counter) (*counter, error) {
		s.steps = append(s.steps, name)
		return s, nil
	}
}

func TestLinearFlow(t *testing.T) {
	flow, err := NewBuilder[*counter]().
		Start("a", record("a"), "b").
		Stage("b", record("b"), "c").
		End("c", record("c")).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	state, err := flow.Execute(context.Background(), &counter{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := strings.Join(state.steps, ","); got != "a,b,c" {
		t.Fatalf("unexpected order %q", got)
	}
}

func TestConditionRouting(t *testing.T) {
	flow, err := NewBuilder[*counter]().
		Start("in", record("in"), "route").
		Condition("route", func(ctx context.Context, s *counter) (string, error) {
			if s.n > 0 {
				return "yes", nil
			}
			return "no", nil
		}, map[string]string{"yes": "accepted", "no": "rejected"}).
		End("accepted", record("accepted")).
		End("rejected", record("rejected")).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	state, err := flow.Execute(context.Background(), &counter{n: 1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.steps[len(state.steps)-1] != "accepted" {
		t.Fatalf("expected accepted branch, got %v", state.steps)
	}

	state, err = flow.Execute(context.Background(), &counter{n: 0})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.steps[len(state.steps)-1] != "rejected" {
		t.Fatalf("expected rejected branch, got %v", state.steps)
	}
}

func TestLoopStopsAtVisitCap(t *testing.T) {
	flow, err := NewBuilder[*counter]().
		Start("work", func(ctx context.Context, s *counter) (*counter, error) {
			s.n++
			return s, nil
		}, "check").
		Condition("check", func(ctx context.Context, s *counter) (string, error) {
			return "again", nil // never converges
		}, map[string]string{"again": "work", "done": "finish"}).
		End("finish", record("finish")).
		MaxVisits(3).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	_, err = flow.Execute(context.Background(), &counter{})
	if err == nil {
		t.Fatal("expected visit-limit error")
	}
	if !strings.Contains(err.Error(), "visit limit") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStageErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	flow, err := NewBuilder[*counter]().
		Start("a", func(ctx context.Context, s *counter) (*counter, error) {
			return s, boom
		}, "b").
		End("b", record("b")).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	_, err = flow.Execute(context.Background(), &counter{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped stage error, got %v", err)
	}
}

func TestBuildRejectsDanglingEdge(t *testing.T) {
	_, err := NewBuilder[*counter]().
		Start("a", record("a"), "missing").
		Build()
	if err == nil {
		t.Fatal("expected dangling edge error")
	}
}

func TestExecuteHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	flow, err := NewBuilder[*counter]().
		Start("a", func(ctx context.Context, s *counter) (*counter, error) {
			cancel()
			return s, nil
		}, "b").
		End("b", record("b")).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	_, err = flow.Execute(ctx, &counter{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
