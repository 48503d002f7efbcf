package credits_test

import (
	"context"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/warp/campfire-engine/credits"
	"github.com/warp/campfire-engine/store/sqlite"
)

// TestLedger_RandomOperationsStayConsistent applies random sequences of
// the five primitives and checks after every step that the balance is
// conserved, never negative, and equal to the replay of its log.
func TestLedger_RandomOperationsStayConsistent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		store, err := sqlite.New(":memory:")
		if err != nil {
			rt.Fatalf("Failed to create store: %v", err)
		}
		defer store.Close()
		svc := credits.NewService(store, nil, nil)

		const user = "client-prop"
		held := map[string]credits.Amount{}
		nextTask := 0

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			amount := credits.Amount(rapid.Int64Range(1, 10000).Draw(rt, "amount"))
			op := rapid.SampledFrom([]string{"grant", "purchase", "hold", "finalize", "release"}).Draw(rt, "op")

			switch op {
			case "grant":
				_, err = svc.Grant(ctx, user, amount, "", "admin")
			case "purchase":
				_, err = svc.Purchase(ctx, user, "starter", user)
			case "hold":
				nextTask++
				taskID := fmt.Sprintf("task-%d", nextTask)
				_, err = svc.Hold(ctx, user, amount, taskID, user)
				if err == nil {
					held[taskID] = amount
				} else if credits.IsClientError(err) {
					err = nil
				}
			case "finalize", "release":
				taskID, ok := anyTask(held)
				if !ok {
					continue
				}
				if op == "finalize" {
					_, err = svc.Finalize(ctx, user, held[taskID], taskID, "admin")
				} else {
					_, err = svc.Release(ctx, user, held[taskID], taskID, "admin")
				}
				delete(held, taskID)
			}
			if err != nil {
				rt.Fatalf("step %d %s: %v", i, op, err)
			}

			bal, err := svc.Balance(ctx, user)
			if err != nil {
				rt.Fatalf("balance: %v", err)
			}
			if !bal.Conserved() {
				rt.Fatalf("step %d %s: total %s != available %s + held %s", i, op, bal.Total, bal.Available, bal.Held)
			}
			if bal.Available.IsNegative() || bal.Held.IsNegative() {
				rt.Fatalf("step %d %s: negative balance %+v", i, op, bal)
			}
			var sum credits.Amount
			for _, a := range held {
				sum += a
			}
			if bal.Held != sum {
				rt.Fatalf("step %d %s: held %s, open holds sum to %s", i, op, bal.Held, sum)
			}
		}

		report, err := svc.Reconcile(ctx, user)
		if err != nil {
			rt.Fatalf("reconcile: %v (report %+v)", err, report)
		}
	})
}

// anyTask picks the lowest task id so runs are reproducible.
func anyTask(held map[string]credits.Amount) (string, bool) {
	best := ""
	for id := range held {
		if best == "" || id < best {
			best = id
		}
	}
	return best, best != ""
}

func TestAmount_ParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := credits.Amount(rapid.Int64Range(-1_000_000_00, 1_000_000_00).Draw(rt, "amount"))
		parsed, err := credits.ParseAmount(a.String())
		if err != nil {
			rt.Fatalf("ParseAmount(%q): %v", a.String(), err)
		}
		if parsed != a {
			rt.Fatalf("round trip %d -> %q -> %d", a, a.String(), parsed)
		}
	})
}
