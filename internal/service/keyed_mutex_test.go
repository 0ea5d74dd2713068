package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("visit-1")
			defer unlock()
			// 非原子自增，只有互斥时结果才准确
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, km.size())
}

func TestKeyedMutex_ReleasesEntriesAcrossKeys(t *testing.T) {
	km := newKeyedMutex()
	keys := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			km.Lock(key)()
		}(keys[i%len(keys)])
	}
	wg.Wait()
	assert.Equal(t, 0, km.size())

	unlock := km.Lock("a")
	assert.Equal(t, 1, km.size())
	unlock()
	assert.Equal(t, 0, km.size())
}
