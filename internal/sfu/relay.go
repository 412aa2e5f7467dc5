package sfu

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// packetSink 是 consumer 的输出轨道，由 *webrtc.TrackLocalStaticRTP 实现。
type packetSink interface {
	WriteRTP(p *rtp.Packet) error
}

// relayOut 是挂在 producer 上的一路转发目标。
type relayOut struct {
	id     string
	sink   packetSink
	paused atomic.Bool
}

// relay 把一个 producer 收到的 RTP 包复制给它的所有 consumer。
type relay struct {
	paused atomic.Bool

	mu   sync.RWMutex
	outs map[string]*relayOut
}

func newRelay() *relay {
	return &relay{outs: make(map[string]*relayOut)}
}

func (r *relay) add(out *relayOut) {
	r.mu.Lock()
	r.outs[out.id] = out
	r.mu.Unlock()
}

func (r *relay) remove(id string) {
	r.mu.Lock()
	delete(r.outs, id)
	r.mu.Unlock()
}

func (r *relay) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.outs))
	for id := range r.outs {
		ids = append(ids, id)
	}
	return ids
}

// pump 循环读取直到 read 出错或 ctx 结束。producer 暂停时丢弃收到的包。
func (r *relay) pump(ctx context.Context, read func() (*rtp.Packet, error), logCtx *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			if ctx.Err() == nil {
				logCtx.WithError(err).Debug("SFU: relay read stopped")
			}
			return
		}
		if r.paused.Load() {
			continue
		}
		r.forward(pkt, logCtx)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logCtx *logrus.Entry) {
	r.mu.RLock()
	snapshot := make([]*relayOut, 0, len(r.outs))
	for _, out := range r.outs {
		snapshot = append(snapshot, out)
	}
	r.mu.RUnlock()

	for _, out := range snapshot {
		if out.paused.Load() {
			continue
		}
		// 每路输出写入自己的副本，轨道会改写 SSRC 与 payload type
		clone := pkt.Clone()
		if err := out.sink.WriteRTP(clone); err != nil {
			logCtx.WithField("consumer_id", out.id).WithError(err).Debug("SFU: relay write failed")
		}
	}
}

// receiveParameters 把发布方声明的编码层转换为 RTPReceiver 的接收参数。
func receiveParameters(params ProduceParameters) webrtc.RTPReceiveParameters {
	var fallbackPT webrtc.PayloadType
	if len(params.Codecs) > 0 {
		fallbackPT = params.Codecs[0].PayloadType
	}
	encodings := make([]webrtc.RTPDecodingParameters, 0, len(params.Encodings))
	for _, enc := range params.Encodings {
		if enc.PayloadType == 0 {
			enc.PayloadType = fallbackPT
		}
		encodings = append(encodings, webrtc.RTPDecodingParameters{RTPCodingParameters: enc})
	}
	return webrtc.RTPReceiveParameters{Encodings: encodings}
}
