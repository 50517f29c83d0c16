package infra

import (
	"bytes"
	"testing"
)

func TestBufferPool_GetReturnsReset(t *testing.T) {
	p := NewBufferPool(64)

	buf := p.Get()
	buf.WriteString("leftover data")
	p.Put(buf)

	buf2 := p.Get()
	if buf2.Len() != 0 {
		t.Errorf("reused buffer len = %d, want 0", buf2.Len())
	}
}

func TestBufferPool_OversizedDropped(t *testing.T) {
	p := NewBufferPool(64)

	big := bytes.NewBuffer(make([]byte, 0, maxPooledBuf+1))
	p.Put(big) // must not panic, must not be pooled

	buf := p.Get()
	if buf.Cap() > maxPooledBuf {
		t.Errorf("oversized buffer came back from the pool (cap %d)", buf.Cap())
	}
}

func TestBufferPool_NilPut(t *testing.T) {
	p := NewBufferPool(0)
	p.Put(nil) // no-op
	if buf := p.Get(); buf == nil {
		t.Fatal("Get returned nil")
	}
}

func BenchmarkBufferPool(b *testing.B) {
	p := NewBufferPool(4096)
	payload := make([]byte, 2048)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := p.Get()
		buf.Write(payload)
		p.Put(buf)
	}
}
