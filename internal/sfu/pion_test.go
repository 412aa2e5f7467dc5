package sfu_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-classroom/internal/sfu"
)

func TestPionProvider_RouterCapabilities(t *testing.T) {
	p, err := sfu.NewPionProvider(sfu.PionConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	routerID, err := p.CreateRouter(ctx)
	require.NoError(t, err)
	caps, err := p.RouterCapabilities(ctx, routerID)
	require.NoError(t, err)
	assert.True(t, caps.Supports(webrtc.MimeTypeOpus))
	assert.True(t, caps.Supports("video/vp8"), "mime 比较不区分大小写")
	assert.False(t, caps.Supports("video/AV1X"))

	require.NoError(t, p.CloseRouter(ctx, routerID))
	_, err = p.RouterCapabilities(ctx, routerID)
	assert.ErrorIs(t, err, sfu.ErrRouterNotFound)
}

func TestPionProvider_UnknownObjects(t *testing.T) {
	p, err := sfu.NewPionProvider(sfu.PionConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.CreateTransport(ctx, "missing", sfu.DirectionSend)
	assert.ErrorIs(t, err, sfu.ErrRouterNotFound)
	routerID, err := p.CreateRouter(ctx)
	require.NoError(t, err)
	_, err = p.CreateTransport(ctx, routerID, sfu.Direction("sideways"))
	assert.ErrorIs(t, err, sfu.ErrInvalidDirection)

	_, err = p.Produce(ctx, "missing", "audio", opusParams(1111))
	assert.ErrorIs(t, err, sfu.ErrTransportNotFound)
	_, err = p.Produce(ctx, "missing", "smell", opusParams(1111))
	assert.ErrorIs(t, err, sfu.ErrInvalidKind)
	_, err = p.Produce(ctx, "missing", "audio", sfu.ProduceParameters{})
	assert.ErrorIs(t, err, sfu.ErrMissingEncoding)
	assert.ErrorIs(t, p.ConnectTransport(ctx, "missing", sfu.ConnectParams{}), sfu.ErrTransportNotFound)
	assert.ErrorIs(t, p.ResumeConsumer(ctx, "missing"), sfu.ErrConsumerNotFound)
	assert.ErrorIs(t, p.PauseProducer(ctx, "missing"), sfu.ErrProducerNotFound)

	// close 类操作对不存在的对象是 no-op
	assert.NoError(t, p.CloseProducer(ctx, "missing"))
	assert.NoError(t, p.CloseTransport(ctx, "missing"))
	assert.NoError(t, p.CloseRouter(ctx, "missing"))
}

func opusParams(ssrc webrtc.SSRC) sfu.ProduceParameters {
	return sfu.ProduceParameters{
		Codecs: []webrtc.RTPCodecParameters{{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			PayloadType:        111,
		}},
		Encodings: []webrtc.RTPCodingParameters{{SSRC: ssrc, PayloadType: 111}},
	}
}

func TestPionProvider_ConsumeStaysInsideRouter(t *testing.T) {
	p, err := sfu.NewPionProvider(sfu.PionConfig{GatherTimeout: 500 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()
	routerA, err := p.CreateRouter(ctx)
	require.NoError(t, err)
	routerB, err := p.CreateRouter(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.CloseRouter(ctx, routerA)
		_ = p.CloseRouter(ctx, routerB)
	})

	send, err := p.CreateTransport(ctx, routerA, sfu.DirectionSend)
	require.NoError(t, err)
	producerID, err := p.Produce(ctx, send.ID, "audio", opusParams(4242))
	require.NoError(t, err)
	caps, err := p.RouterCapabilities(ctx, routerA)
	require.NoError(t, err)

	foreign, err := p.CreateTransport(ctx, routerB, sfu.DirectionRecv)
	require.NoError(t, err)
	_, err = p.Consume(ctx, foreign.ID, producerID, caps)
	assert.ErrorIs(t, err, sfu.ErrRouterMismatch)

	local, err := p.CreateTransport(ctx, routerA, sfu.DirectionRecv)
	require.NoError(t, err)
	info, err := p.Consume(ctx, local.ID, producerID, caps)
	require.NoError(t, err)
	assert.True(t, info.Paused)
	assert.Equal(t, "audio", info.Kind)
	require.Len(t, info.Encodings, 1)
	assert.NotZero(t, info.Encodings[0].SSRC, "订阅方需要知道转发流的 SSRC")
	assert.NoError(t, p.ResumeConsumer(ctx, info.ID))

	require.NoError(t, p.CloseProducer(ctx, producerID))
	assert.ErrorIs(t, p.ResumeConsumer(ctx, info.ID), sfu.ErrConsumerNotFound, "producer 关闭时其 consumer 一并关闭")
}
