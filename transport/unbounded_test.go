package transport

import "testing"

func TestUnboundedDeliversInOrderAndDrainsOnClose(t *testing.T) {
	u := NewUnbounded[int]()
	for i := 0; i < 5; i++ {
		u.In() <- i
	}
	close(u.in)

	for i := 0; i < 5; i++ {
		got, ok := <-u.Out()
		if !ok {
			t.Fatalf("channel closed early at i=%d", i)
		}
		if got != i {
			t.Fatalf("got %d, want %d", got, i)
		}
	}
	if _, ok := <-u.Out(); ok {
		t.Fatalf("expected Out() closed after drain")
	}
}
