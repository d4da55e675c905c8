package registry

import (
	"testing"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/pagecache"
)

func TestInternIsStable(t *testing.T) {
	r := New(4)
	u := uuid.New()
	id1 := r.GetAndAcquire(u, 1)
	id2 := r.GetAndAcquire(u, 1)
	if id1 != id2 {
		t.Fatalf("expected the same UUID to intern to the same id, got %d and %d", id1, id2)
	}
	if got, ok := r.UUID(id1); !ok || got != u {
		t.Fatalf("expected UUID round-trip, got %v ok=%v", got, ok)
	}
}

func TestInternDistinguishesSection(t *testing.T) {
	r := New(4)
	u := uuid.New()
	id1 := r.GetAndAcquire(u, pagecache.Section(1))
	id2 := r.GetAndAcquire(u, pagecache.Section(2))
	if id1 == id2 {
		t.Fatal("expected different sections to produce different metric ids")
	}
}

func TestEnvelopeAccumulates(t *testing.T) {
	r := New(1)
	u := uuid.New()
	id := r.GetAndAcquire(u, 1)

	r.SetFirstTime(id, 1000)
	r.SetLatestTime(id, 1000)
	r.SetLatestTime(id, 2000)
	r.SetFirstTime(id, 500) // earlier sample observed later: envelope widens
	r.SetFirstTime(id, 700) // later than current first_time: ignored

	first, last := r.Envelope(id)
	if first != 500 || last != 2000 {
		t.Fatalf("expected envelope [500,2000], got [%d,%d]", first, last)
	}
}

func TestEachVisitsEveryInternedMetric(t *testing.T) {
	r := New(4)
	u1, u2 := uuid.New(), uuid.New()
	id1 := r.GetAndAcquire(u1, 1)
	id2 := r.GetAndAcquire(u2, 2)

	seen := map[pagecache.MetricID]uuid.UUID{}
	r.Each(func(id pagecache.MetricID, u uuid.UUID, section pagecache.Section) {
		seen[id] = u
	})
	if len(seen) != 2 || seen[id1] != u1 || seen[id2] != u2 {
		t.Fatalf("expected Each to visit both interned metrics, got %+v", seen)
	}
}

func TestShrinkFirstTimeBypassesMonotonicGuard(t *testing.T) {
	r := New(1)
	u := uuid.New()
	id := r.GetAndAcquire(u, 1)
	r.SetFirstTime(id, 100)
	r.ShrinkFirstTime(id, 9000) // retention recalculation may move it forward
	first, _ := r.Envelope(id)
	if first != 9000 {
		t.Fatalf("expected first_time forced to 9000, got %d", first)
	}
}
