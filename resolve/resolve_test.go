package resolve

import (
	"context"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestResolveLiteral(t *testing.T) {
	assert := assert_.New(t)

	r := New([]string{"1.1.1.1", "1.0.0.1"}, time.Second, zap.NewNop())
	ip, err := r.Resolve(context.Background(), "127.0.0.1")
	assert.NoError(err)
	assert.Equal("127.0.0.1", ip)
}

func TestResolveSystemLocalhost(t *testing.T) {
	assert := assert_.New(t)

	r := New(nil, 5*time.Second, zap.NewNop())
	ip, err := r.Resolve(context.Background(), "localhost")
	assert.NoError(err)
	assert.Equal("127.0.0.1", ip)
}

func TestResolveFailure(t *testing.T) {
	assert := assert_.New(t)

	// Nothing listens on this address, so every query fails quickly.
	r := New([]string{"127.0.0.1:1"}, 500*time.Millisecond, zap.NewNop())
	_, err := r.Resolve(context.Background(), "example.invalid")
	assert.ErrorIs(err, ErrResolution)
}

func TestHostResolverRule(t *testing.T) {
	assert_.Equal(t, "MAP ge.movie 93.184.216.34", HostResolverRule("ge.movie", "93.184.216.34"))
}
