package transport

import (
	"sync"
	"testing"
)

func TestQUICPromotionIsSafeUnderConcurrentReads(t *testing.T) {
	c := &QUICConn{kind: KindQUICStream}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if kind := c.Kind(); kind != KindQUICStream && kind != KindQUICDatagram {
				t.Errorf("observed torn kind %q", kind)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		c.PromoteToDatagram()
	}()
	wg.Wait()

	if got := c.Kind(); got != KindQUICDatagram {
		t.Fatalf("kind after promotion = %s, want %s", got, KindQUICDatagram)
	}
}
