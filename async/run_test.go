package async

import (
	"errors"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func TestRunDeliversResult(t *testing.T) {
	assert := assert_.New(t)
	stop := make(chan struct{})
	result := Run(func() error {
		<-stop
		return errors.New("app exited")
	})
	select {
	case <-result:
		t.Fatal("result before the function returned")
	default:
	}
	close(stop)
	assert.EqualError(<-result, "app exited")
}

func TestRunDoesNotBlock(t *testing.T) {
	// The channel is buffered, so nobody has to wait for the result
	_ = Run(func() int { return 1 })
	assert_.Equal(t, 2, <-Run(func() int { return 2 }))
}
