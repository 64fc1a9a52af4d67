package sync_

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

var _ Mutexer[int] = NewMutexed(123)
var _ Mutexer[int] = NewRWMutexed(123)

type token struct {
	value     string
	refreshes int
}

func TestSetAndGet(t *testing.T) {
	assert := assert_.New(t)
	state := NewRWMutexed(token{value: "a"})
	prev := state.Get()
	state.Set(token{value: "b", refreshes: 1})
	assert.Equal(token{value: "a"}, prev)
	assert.Equal(token{value: "b", refreshes: 1}, state.Get())

	plain := NewMutexed(token{value: "c"})
	plain.Set(token{value: "d"})
	assert.Equal("d", plain.Get().value)
}

func TestLockedReturnsError(t *testing.T) {
	assert := assert_.New(t)
	claims := NewMutexed(map[string]string{"a/b.mp4": "item-1"})
	errTaken := errors.New("taken")
	err := claims.Locked(func(m *map[string]string) error {
		if _, ok := (*m)["a/b.mp4"]; ok {
			return errTaken
		}
		(*m)["a/b.mp4"] = "item-2"
		return nil
	})
	assert.ErrorIs(err, errTaken)
	assert.Equal("item-1", claims.Get()["a/b.mp4"])
}

// Concurrent refreshes of a shared token only replace it once per stale value, like a session being rejected by
// many requests at the same time.
func TestCompareAndRefresh(t *testing.T) {
	assert := assert_.New(t)
	state := NewRWMutexed(token{value: "t0"})
	start := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			stale := state.Get().value
			_ = state.Locked(func(tok *token) error {
				if tok.value == stale {
					tok.refreshes++
					tok.value = fmt.Sprintf("t%d", tok.refreshes)
				}
				return nil
			})
			_ = state.Get()
		}()
	}

	// Claims from many goroutines are all kept
	claims := NewMutexed(map[int]bool{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_ = claims.Locked(func(m *map[int]bool) error {
				(*m)[i] = true
				return nil
			})
		}(i)
	}

	close(start)
	wg.Wait()

	final := state.Get()
	assert.GreaterOrEqual(final.refreshes, 1)
	assert.LessOrEqual(final.refreshes, 50)
	assert.Equal(fmt.Sprintf("t%d", final.refreshes), final.value)
	assert.Len(claims.Get(), 50)
}
