package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndStripChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := AppendChecksum(tt.data)
			assert.Len(t, frame, len(tt.data)+4)

			data, valid := ValidateAndStripChecksum(frame)
			assert.True(t, valid)
			assert.Equal(t, tt.data, data)
		})
	}
}

func TestCorruptedFrame(t *testing.T) {
	frame := AppendChecksum([]byte("test data"))
	frame[0] ^= 0xFF

	_, valid := ValidateAndStripChecksum(frame)
	assert.False(t, valid)
}

func TestTooShortFrame(t *testing.T) {
	_, valid := ValidateAndStripChecksum([]byte{0x01, 0x02})
	assert.False(t, valid)
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("p/abc")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()

	<-done
	require.Equal(t, 1, km.Len())
	unlockA()
	assert.Equal(t, 0, km.Len())
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}
