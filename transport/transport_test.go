package transport

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeCounter struct {
	mockPublisher
	closed int
	err    error
}

func (c *closeCounter) Close() error {
	c.closed++
	return c.err
}

type closingSubscriber struct {
	mockSubscriber
	closed int
	err    error
}

func (c *closingSubscriber) Close() error {
	c.closed++
	return c.err
}

func TestTransport_Close(t *testing.T) {
	t.Run("closes both sides", func(t *testing.T) {
		pub := &closeCounter{}
		sub := &closingSubscriber{}
		require.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
		assert.Equal(t, 1, pub.closed)
		assert.Equal(t, 1, sub.closed)
	})

	t.Run("shared pubsub is closed once", func(t *testing.T) {
		ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
		tr := Transport{Publisher: ps, Subscriber: ps}
		require.NoError(t, tr.Close())
	})

	t.Run("joins errors", func(t *testing.T) {
		pubErr := errors.New("publisher close")
		subErr := errors.New("subscriber close")
		err := Transport{
			Publisher:  &closeCounter{err: pubErr},
			Subscriber: &closingSubscriber{err: subErr},
		}.Close()
		require.Error(t, err)
		assert.ErrorIs(t, err, pubErr)
		assert.ErrorIs(t, err, subErr)
	})

	t.Run("zero value", func(t *testing.T) {
		assert.NoError(t, Transport{}.Close())
	})
}

func TestConfig_Interface(t *testing.T) {
	var _ Config = (*mockConfig)(nil)

	cfg := &mockConfig{pubSubSystem: "test"}
	assert.Equal(t, "test", cfg.GetPubSubSystem())
}

type testProvider struct{}

func (testProvider) Capabilities() Capabilities {
	return Capabilities{Name: "test"}
}

func TestCapabilitiesProvider_Interface(t *testing.T) {
	var _ CapabilitiesProvider = testProvider{}
	assert.Equal(t, "test", testProvider{}.Capabilities().Name)
}
