// Package sfu 定义了媒体转发 (SFU) 能力提供者的接口以及基于 pion/webrtc 的内置实现。
package sfu

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrRouterNotFound    = errors.New("sfu: router not found")
	ErrTransportNotFound = errors.New("sfu: transport not found")
	ErrProducerNotFound  = errors.New("sfu: producer not found")
	ErrConsumerNotFound  = errors.New("sfu: consumer not found")
	ErrCannotConsume     = errors.New("sfu: rtp capabilities cannot consume producer")
	ErrInvalidDirection  = errors.New("sfu: invalid transport direction")
	ErrInvalidKind       = errors.New("sfu: invalid media kind")
	ErrUnsupportedCodec  = errors.New("sfu: codec not supported by router")
	ErrMissingEncoding   = errors.New("sfu: producer parameters carry no encoding ssrc")
	ErrRouterMismatch    = errors.New("sfu: producer belongs to another router")
)

// Direction 传输方向，从客户端视角。
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool { return d == DirectionSend || d == DirectionRecv }

// RTPCapabilities 路由器支持 (或客户端可接收) 的编解码器集合。
type RTPCapabilities struct {
	Codecs           []webrtc.RTPCodecCapability           `json:"codecs"`
	HeaderExtensions []webrtc.RTPHeaderExtensionCapability `json:"headerExtensions,omitempty"`
}

// Supports reports whether any codec in c has the given mime type.
func (c RTPCapabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if equalMime(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// TransportInfo 是返回给客户端的传输描述。
type TransportInfo struct {
	ID             string                `json:"id"`
	Direction      Direction             `json:"direction"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams 客户端的 DTLS 参数；ICE 参数可选，提供时服务端会主动发起连通。
type ConnectParams struct {
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *webrtc.ICEParameters `json:"iceParameters,omitempty"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates,omitempty"`
}

// ProduceParameters 发布方的 RTP 发送参数：使用的编解码器与每个编码层的 SSRC。
type ProduceParameters struct {
	Codecs    []webrtc.RTPCodecParameters  `json:"codecs"`
	Encodings []webrtc.RTPCodingParameters `json:"encodings"`
}

// ConsumerInfo 是返回给订阅方的 consumer 描述。新建的 consumer 处于暂停状态。
type ConsumerInfo struct {
	ID            string                         `json:"id"`
	ProducerID    string                         `json:"producerId"`
	Kind          string                         `json:"kind"`
	RTPParameters webrtc.RTPParameters           `json:"rtpParameters"`
	Encodings     []webrtc.RTPEncodingParameters `json:"encodings"`
	Paused        bool                           `json:"paused"`
}

// Provider 是外部 SFU 的能力抽象。所有 Close 操作对不存在的对象返回 nil。
type Provider interface {
	CreateRouter(ctx context.Context) (string, error)
	RouterCapabilities(ctx context.Context, routerID string) (RTPCapabilities, error)
	CreateTransport(ctx context.Context, routerID string, direction Direction) (*TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, params ConnectParams) error
	Produce(ctx context.Context, transportID string, kind string, params ProduceParameters) (string, error)
	// Consume 只允许订阅同一 router 内的 producer，否则返回 ErrRouterMismatch。
	Consume(ctx context.Context, transportID, producerID string, caps RTPCapabilities) (*ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, consumerID string) error
	PauseProducer(ctx context.Context, producerID string) error
	ResumeProducer(ctx context.Context, producerID string) error
	CloseProducer(ctx context.Context, producerID string) error
	CloseTransport(ctx context.Context, transportID string) error
	CloseRouter(ctx context.Context, routerID string) error
}
