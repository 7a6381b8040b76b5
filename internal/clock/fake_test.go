package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresTicker(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFake(start)
	ticker := clk.NewTicker(time.Minute)

	select {
	case <-ticker.C():
		t.Fatal("ticker fired before advance")
	default:
	}

	clk.Advance(time.Minute)
	select {
	case tick := <-ticker.C():
		if !tick.Equal(start.Add(time.Minute)) {
			t.Errorf("unexpected tick time %v", tick)
		}
	default:
		t.Fatal("expected a tick after advance")
	}

	if got := clk.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("expected now %v, got %v", start.Add(time.Minute), got)
	}
}

func TestFake_StoppedTickerDoesNotFire(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	ticker := clk.NewTicker(time.Second)
	ticker.Stop()

	clk.Advance(10 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFake_FullBufferDropsTick(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	ticker := clk.NewTicker(time.Second)

	// Two intervals elapse while nobody reads; only one tick is buffered.
	clk.Advance(2 * time.Second)

	<-ticker.C()
	select {
	case <-ticker.C():
		t.Fatal("expected second tick to be dropped")
	default:
	}
}
