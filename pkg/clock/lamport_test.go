package clock

import (
	"testing"
	"time"
)

type memPersister struct {
	value uint64
	saves int
}

func (m *memPersister) SaveLamport(v uint64) error { m.value = v; m.saves++; return nil }
func (m *memPersister) LoadLamport() (uint64, error) { return m.value, nil }

func TestTickMonotonic(t *testing.T) {
	p := &memPersister{}
	c, err := New(p, WithBatchSize(100), WithFlushPeriod(time.Hour))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	prev := uint64(0)
	for i := 0; i < 10; i++ {
		v := c.Tick()
		if v <= prev {
			t.Fatalf("tick not monotonic: %d <= %d", v, prev)
		}
		prev = v
	}
}

func TestObserveTakesMax(t *testing.T) {
	p := &memPersister{}
	c, _ := New(p, WithFlushPeriod(time.Hour))
	c.Tick() // 1
	v := c.Observe(50)
	if v != 51 {
		t.Fatalf("expected observe(50) == 51, got %d", v)
	}
	v2 := c.Observe(10) // below local value
	if v2 != 52 {
		t.Fatalf("expected observe(10) == 52 (local+1), got %d", v2)
	}
}

func TestBatchedFlush(t *testing.T) {
	p := &memPersister{}
	c, _ := New(p, WithBatchSize(3), WithFlushPeriod(time.Hour))
	for i := 0; i < 5; i++ {
		c.Tick()
	}
	if p.saves == 0 {
		t.Fatal("expected at least one flush after exceeding batch size")
	}
}

func TestRecoverySkipsAheadByBatchSize(t *testing.T) {
	p := &memPersister{value: 250}
	c, err := New(p, WithBatchSize(100), WithFlushPeriod(time.Hour))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Value() != 300 {
		t.Fatalf("expected recovery to ceil 250 to next multiple of 100 (300), got %d", c.Value())
	}
}

func TestCloseFlushesSynchronously(t *testing.T) {
	p := &memPersister{}
	c, _ := New(p, WithBatchSize(1000), WithFlushPeriod(time.Hour))
	c.Tick()
	if p.saves != 0 {
		t.Fatalf("expected no flush yet, got %d saves", p.saves)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.value != c.Value() {
		t.Fatalf("expected closed value persisted: got %d want %d", p.value, c.Value())
	}
}
