package background

import (
	"fmt"
	"regexp"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRingTailOrder(t *testing.T) {
	r := NewLineRing(5)
	for i := 1; i <= 3; i++ {
		r.Append(fmt.Sprintf("line %d", i))
	}
	got := r.Tail(2, nil)
	if len(got) != 2 || got[0] != "line 2" || got[1] != "line 3" {
		t.Fatalf("Tail(2) = %v", got)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewLineRing(3)
	for i := 1; i <= 5; i++ {
		r.Append(fmt.Sprintf("line %d", i))
	}
	got := r.Tail(0, nil)
	want := []string{"line 3", "line 4", "line 5"}
	if len(got) != len(want) {
		t.Fatalf("Tail() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tail()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRingFilterAppliesBeforeCount(t *testing.T) {
	r := NewLineRing(10)
	for i := 1; i <= 4; i++ {
		r.Append(fmt.Sprintf("keep %d", i))
		r.Append("noise")
	}
	got := r.Tail(3, regexp.MustCompile(`^keep`))
	if len(got) != 3 || got[0] != "keep 2" || got[2] != "keep 4" {
		t.Fatalf("filtered Tail(3) = %v", got)
	}
}

func TestRingSizeNeverExceedsCapacity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("len <= capacity after any append sequence", prop.ForAll(
		func(capacity int, appends int) bool {
			r := NewLineRing(capacity)
			for i := 0; i < appends; i++ {
				r.Append("x")
				if r.Len() > r.Capacity() {
					return false
				}
			}
			return r.Len() <= r.Capacity()
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 500),
	))

	properties.TestingRun(t)
}
