package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewClientUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Nil logger must not panic; an unreachable address fails the ping.
	c, err := NewClient(ctx, "127.0.0.1:1", "", 0, nil)

	assert.Error(t, err)
	assert.Nil(t, c)
}
