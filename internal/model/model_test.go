package model

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"
)

func TestLinearSimulate(t *testing.T) {
	m, err := NewLinear([][]float64{{2, 0}, {1, 1}, {0, 3}}, []float64{0, 1, 0})
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	y, err := m.Simulate(context.Background(), []float64{1, 2})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	want := []float64{2, 4, 6}
	for i := range want {
		if y[i] != want[i] {
			t.Errorf("y[%d] = %v, want %v", i, y[i], want[i])
		}
	}

	if _, err := m.Simulate(context.Background(), []float64{1}); !errors.Is(err, ErrShape) {
		t.Errorf("Simulate() error = %v, want ErrShape", err)
	}
}

func TestNewLinearValidation(t *testing.T) {
	if _, err := NewLinear(nil, nil); !errors.Is(err, ErrShape) {
		t.Errorf("empty matrix error = %v", err)
	}
	if _, err := NewLinear([][]float64{{1, 2}, {3}}, nil); !errors.Is(err, ErrShape) {
		t.Errorf("ragged matrix error = %v", err)
	}
	if _, err := NewLinear([][]float64{{1}}, []float64{1, 2}); !errors.Is(err, ErrShape) {
		t.Errorf("offset length error = %v", err)
	}
}

func TestFunc(t *testing.T) {
	var f ForwardModel = Func(func(_ context.Context, p []float64) ([]float64, error) {
		return []float64{p[0] * 2}, nil
	})
	y, err := f.Simulate(context.Background(), []float64{4})
	if err != nil || y[0] != 8 {
		t.Errorf("Simulate() = %v, %v", y, err)
	}
}

func TestCommandSimulate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	c := &Command{
		Argv:    []string{"sh", "-c", `cat >/dev/null; echo '{"simulated":[1.5,2.5]}'`},
		Timeout: 10 * time.Second,
		Names:   []string{"k", "s"},
	}
	y, err := c.Simulate(context.Background(), []float64{1, 2})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if len(y) != 2 || y[0] != 1.5 || y[1] != 2.5 {
		t.Errorf("Simulate() = %v, want [1.5 2.5]", y)
	}
}

func TestCommandFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	c := &Command{Argv: []string{"sh", "-c", "echo boom >&2; exit 3"}}
	if _, err := c.Simulate(context.Background(), []float64{1}); err == nil {
		t.Error("expected error from failing simulator")
	}

	bad := &Command{Argv: []string{"sh", "-c", "cat >/dev/null; echo not-json"}}
	if _, err := bad.Simulate(context.Background(), []float64{1}); err == nil {
		t.Error("expected error from malformed output")
	}
}
