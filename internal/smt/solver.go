// Package smt decides satisfiability of expr formulas through an external
// SMT solver and reads back models.
package smt

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"bvcheck/internal/expr"
)

var (
	ErrTimeout = errors.New("solver timeout")
	ErrUnknown = errors.New("solver returned unknown")
	ErrNoModel = errors.New("no model available")
)

const DefaultTimeout = 3 * time.Minute

// Solver is one solver instance. Instances are not safe for concurrent use;
// every worker owns its own.
type Solver interface {
	Name() string
	// IsSat checks the conjunction of constraints. A timeout or any backend
	// failure is reported as an error, never as an answer.
	IsSat(ctx context.Context, constraints []expr.Bool) (bool, error)
	// ModelBV returns the value of the named variable in the last model.
	// Variables the last query did not mention are zero.
	ModelBV(name string, width uint16) (*big.Int, error)
	ModelBool(name string) (bool, error)
	// ModelArray reads the named array at keys; Default is the value at a
	// key outside keys.
	ModelArray(name string, keyWidth, valueWidth uint16, keys []*big.Int) (*expr.ArrayValue, error)
	SetTimeout(d time.Duration)
	Close()
}

func New(name string) (Solver, error) {
	switch name {
	case "", "yices":
		return NewYices(), nil
	case "z3":
		return NewZ3(), nil
	}
	return nil, errors.Errorf("unknown solver %q", name)
}

// probeKey picks a key that is not among keys, used to read an array default.
func probeKey(keys []*big.Int, width uint16) *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), uint(width))
	used := make(map[string]bool, len(keys))
	for _, k := range keys {
		used[k.Text(16)] = true
	}
	probe := new(big.Int).Sub(limit, big.NewInt(0x1000))
	if probe.Sign() < 0 {
		probe.SetInt64(0)
	}
	for i := 0; used[probe.Text(16)] && i <= len(keys); i++ {
		probe.Add(probe, big.NewInt(1))
		if probe.Cmp(limit) >= 0 {
			probe.SetInt64(0)
		}
	}
	return probe
}

// withTimeout runs check and calls stop when the deadline or ctx expires
// before check returns. The backend reports the interruption itself.
func withTimeout(ctx context.Context, d time.Duration, check func(), stop func()) {
	if d <= 0 {
		d = DefaultTimeout
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			stop()
		case <-ctx.Done():
			stop()
		}
	}()
	check()
	close(done)
	<-finished
}
