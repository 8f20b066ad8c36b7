package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	metadatapkg "github.com/zutils/protocols/internal/runtime/metadata"
)

type publisherTestContextKey struct{}

var testCtxKey = publisherTestContextKey{}

func TestNewMessageFromEnvelope(t *testing.T) {
	_, err := NewMessageFromEnvelope(nil, nil)
	require.ErrorIs(t, err, errspkg.ErrEnvelopeRequired)

	env := envelope.NewHandleTrustedRequest(envelope.Data{Schema: "orders", Payload: []byte("hi")})
	md := metadatapkg.Metadata{"origin": "unit"}

	msg, err := NewMessageFromEnvelope(env, md)
	require.NoError(t, err)

	assert.Equal(t, "unit", msg.Metadata.Get("origin"))
	assert.Equal(t, "HandleTrusted", msg.Metadata.Get(metadatapkg.KeyRequestType))
	assert.Equal(t, "orders", msg.Metadata.Get(metadatapkg.KeyDestination))
	assert.NotEmpty(t, msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.NotEmpty(t, msg.UUID)

	md["origin"] = "mutated"
	assert.Equal(t, "unit", msg.Metadata.Get("origin"), "message metadata must not alias the caller's map")

	decoded, err := envelope.Unmarshal(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, envelope.HandleTrusted, decoded.RequestType)
	data, ok := decoded.Payload.(*envelope.Data)
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), data.Payload)
}

func TestNewMessageFromEnvelopeBroadcast(t *testing.T) {
	msg, err := NewMessageFromEnvelope(envelope.NewGetInfoRequest(""), metadatapkg.New(metadatapkg.KeyCorrelationID, "given"))
	require.NoError(t, err)

	_, hasDestination := msg.Metadata[metadatapkg.KeyDestination]
	assert.False(t, hasDestination)
	assert.Equal(t, "given", msg.Metadata.Get(metadatapkg.KeyCorrelationID))

	star, err := NewMessageFromEnvelope(envelope.NewGetInfoRequest("*"), nil)
	require.NoError(t, err)
	assert.Equal(t, "*", star.Metadata.Get(metadatapkg.KeyDestination))
}

func TestPublishEnvelope(t *testing.T) {
	env := envelope.NewGetInfoRequest("")

	require.ErrorIs(t, PublishEnvelope(context.Background(), nil, "topic", env, nil), errspkg.ErrPublisherRequired)

	pub := &testPublisher{}
	require.ErrorIs(t, PublishEnvelope(context.Background(), pub, "", env, nil), errspkg.ErrTopicRequired)
	require.ErrorIs(t, PublishEnvelope(context.Background(), pub, "topic", nil, nil), errspkg.ErrEnvelopeRequired)

	ctx := context.WithValue(context.Background(), testCtxKey, "value")
	require.NoError(t, PublishEnvelope(ctx, pub, "topic", env, nil))
	require.Equal(t, []string{"topic"}, pub.Topics())
	assert.Equal(t, "value", pub.Messages()[0].Context().Value(testCtxKey))

	failing := &testPublisher{err: errors.New("broker down")}
	require.EqualError(t, PublishEnvelope(context.Background(), failing, "topic", env, nil), "broker down")
}

func TestServicePublishEnvelope(t *testing.T) {
	var nilSvc *Service
	require.EqualError(t, nilSvc.PublishEnvelope(context.Background(), "topic", envelope.NewGetInfoRequest(""), nil), "router service is nil")

	pub := &testPublisher{}
	svc := &Service{publisher: pub}
	require.NoError(t, svc.PublishEnvelope(context.Background(), "protocols.ingress", envelope.NewGetInfoRequest("test"), nil))
	assert.Equal(t, []string{"protocols.ingress"}, pub.Topics())

	var producer Producer = svc
	assert.NotNil(t, producer)
}
