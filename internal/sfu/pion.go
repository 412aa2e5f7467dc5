package sfu

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// PionConfig 内置 SFU 的网络配置。
type PionConfig struct {
	PublicIP      string   // advertised as the host candidate address when set (1:1 NAT)
	ICEServers    []string // stun/turn urls
	UDPPortMin    uint16
	UDPPortMax    uint16
	GatherTimeout time.Duration
}

type pionRouter struct {
	id         string
	transports map[string]struct{}
}

type pionTransport struct {
	id        string
	routerID  string
	direction Direction
	gatherer  *webrtc.ICEGatherer
	ice       *webrtc.ICETransport
	dtls      *webrtc.DTLSTransport
	connected bool
	// ready 在 DTLS 握手完成后关闭，此后才能收发 SRTP
	ready     chan struct{}
	producers map[string]struct{}
	consumers map[string]struct{}
}

type pionProducer struct {
	id          string
	transportID string
	kind        webrtc.RTPCodecType
	params      ProduceParameters
	receiver    *webrtc.RTPReceiver
	relay       *relay
	cancel      context.CancelFunc
}

type pionConsumer struct {
	id          string
	producerID  string
	transportID string
	sender      *webrtc.RTPSender
	out         *relayOut
}

// PionProvider 基于 pion/webrtc ORTC API 的进程内 SFU。
// 每个 transport 对应一组 ICEGatherer/ICETransport/DTLSTransport，producer 对应 RTPReceiver，
// consumer 对应 RTPSender。producer 收到的 RTP 包由 relay 复制到各 consumer 的本地轨道。
type PionProvider struct {
	api           *webrtc.API
	iceServers    []webrtc.ICEServer
	caps          RTPCapabilities
	gatherTimeout time.Duration

	mu         sync.RWMutex
	routers    map[string]*pionRouter
	transports map[string]*pionTransport
	producers  map[string]*pionProducer
	consumers  map[string]*pionConsumer
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// defaultCodecs 路由器声明的编解码器及其 payload type。
var defaultCodecs = []struct {
	kind   webrtc.RTPCodecType
	params webrtc.RTPCodecParameters
}{
	{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback},
		PayloadType:        96,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0", RTCPFeedback: videoFeedback},
		PayloadType:        98,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", RTCPFeedback: videoFeedback},
		PayloadType:        102,
	}},
}

// NewPionProvider 构建 MediaEngine 与 SettingEngine 并创建 webrtc.API。
func NewPionProvider(cfg PionConfig) (*PionProvider, error) {
	m := &webrtc.MediaEngine{}
	caps := RTPCapabilities{}
	for _, c := range defaultCodecs {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("sfu: register codec %s: %w", c.params.MimeType, err)
		}
		caps.Codecs = append(caps.Codecs, c.params.RTPCodecCapability)
	}

	s := webrtc.SettingEngine{}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := s.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("sfu: set udp port range: %w", err)
		}
	}
	if cfg.PublicIP != "" {
		s.SetNAT1To1IPs([]string{cfg.PublicIP}, webrtc.ICECandidateTypeHost)
		logrus.WithField("public_ip", cfg.PublicIP).Info("SFU: NAT 1:1 mapping active")
	}

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, u := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	timeout := cfg.GatherTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &PionProvider{
		api:           webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		iceServers:    servers,
		caps:          caps,
		gatherTimeout: timeout,
		routers:       make(map[string]*pionRouter),
		transports:    make(map[string]*pionTransport),
		producers:     make(map[string]*pionProducer),
		consumers:     make(map[string]*pionConsumer),
	}, nil
}

func (p *PionProvider) CreateRouter(ctx context.Context) (string, error) {
	id := uuid.NewString()
	p.mu.Lock()
	p.routers[id] = &pionRouter{id: id, transports: make(map[string]struct{})}
	p.mu.Unlock()
	return id, nil
}

func (p *PionProvider) RouterCapabilities(ctx context.Context, routerID string) (RTPCapabilities, error) {
	p.mu.RLock()
	_, ok := p.routers[routerID]
	p.mu.RUnlock()
	if !ok {
		return RTPCapabilities{}, ErrRouterNotFound
	}
	return p.caps, nil
}

func (p *PionProvider) CreateTransport(ctx context.Context, routerID string, direction Direction) (*TransportInfo, error) {
	if !direction.Valid() {
		return nil, ErrInvalidDirection
	}
	p.mu.RLock()
	_, ok := p.routers[routerID]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrRouterNotFound
	}

	gatherer, err := p.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: p.iceServers})
	if err != nil {
		return nil, fmt.Errorf("sfu: new ice gatherer: %w", err)
	}
	done := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: gather candidates: %w", err)
	}
	select {
	case <-done:
	case <-time.After(p.gatherTimeout):
		logrus.WithField("router_id", routerID).Warn("SFU: ICE gathering timed out, returning partial candidates")
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: local ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: local ice candidates: %w", err)
	}
	ice := p.api.NewICETransport(gatherer)
	dtls, err := p.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: new dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: local dtls parameters: %w", err)
	}

	t := &pionTransport{
		id:        uuid.NewString(),
		routerID:  routerID,
		direction: direction,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
		producers: make(map[string]struct{}),
		consumers: make(map[string]struct{}),
	}
	p.mu.Lock()
	r, ok := p.routers[routerID]
	if !ok {
		// router closed while gathering
		p.mu.Unlock()
		p.stopTransport(t)
		return nil, ErrRouterNotFound
	}
	r.transports[t.id] = struct{}{}
	p.transports[t.id] = t
	p.mu.Unlock()

	return &TransportInfo{
		ID:             t.id,
		Direction:      direction,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}, nil
}

// ConnectTransport 对同一个 transport 重复调用是 no-op。
func (p *PionProvider) ConnectTransport(ctx context.Context, transportID string, params ConnectParams) error {
	p.mu.Lock()
	t, ok := p.transports[transportID]
	if !ok {
		p.mu.Unlock()
		return ErrTransportNotFound
	}
	if t.connected {
		p.mu.Unlock()
		return nil
	}
	t.connected = true
	p.mu.Unlock()

	if params.ICEParameters == nil {
		return nil
	}
	remoteICE := *params.ICEParameters
	go func() {
		logCtx := logrus.WithField("transport_id", transportID)
		if len(params.ICECandidates) > 0 {
			if err := t.ice.SetRemoteCandidates(params.ICECandidates); err != nil {
				logCtx.WithError(err).Warn("SFU: set remote candidates failed")
				return
			}
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, remoteICE, &role); err != nil {
			logCtx.WithError(err).Warn("SFU: ICE start failed")
			return
		}
		if err := t.dtls.Start(params.DTLSParameters); err != nil {
			logCtx.WithError(err).Warn("SFU: DTLS start failed")
			return
		}
		close(t.ready)
		logCtx.Info("SFU: transport connected")
	}()
	return nil
}

func (p *PionProvider) Produce(ctx context.Context, transportID string, kind string, params ProduceParameters) (string, error) {
	codecType := webrtc.NewRTPCodecType(kind)
	if codecType == 0 {
		return "", ErrInvalidKind
	}
	for _, c := range params.Codecs {
		if !p.caps.Supports(c.MimeType) {
			return "", ErrUnsupportedCodec
		}
	}
	if len(params.Encodings) == 0 {
		return "", ErrMissingEncoding
	}
	for _, enc := range params.Encodings {
		if enc.SSRC == 0 {
			return "", ErrMissingEncoding
		}
	}

	p.mu.RLock()
	t, ok := p.transports[transportID]
	p.mu.RUnlock()
	if !ok {
		return "", ErrTransportNotFound
	}
	if t.direction != DirectionSend {
		return "", ErrInvalidDirection
	}
	receiver, err := p.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return "", fmt.Errorf("sfu: new rtp receiver: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	prod := &pionProducer{
		id:          uuid.NewString(),
		transportID: transportID,
		kind:        codecType,
		params:      params,
		receiver:    receiver,
		relay:       newRelay(),
		cancel:      cancel,
	}
	p.mu.Lock()
	if _, ok := p.transports[transportID]; !ok {
		p.mu.Unlock()
		cancel()
		_ = receiver.Stop()
		return "", ErrTransportNotFound
	}
	t.producers[prod.id] = struct{}{}
	p.producers[prod.id] = prod
	p.mu.Unlock()

	go p.receive(relayCtx, t, prod)
	return prod.id, nil
}

// receive 等待发送方 transport 连通后开始接收，并把收到的包交给 relay。
func (p *PionProvider) receive(ctx context.Context, t *pionTransport, prod *pionProducer) {
	logCtx := logrus.WithFields(logrus.Fields{"producer_id": prod.id, "transport_id": t.id})
	select {
	case <-t.ready:
	case <-ctx.Done():
		return
	}
	if err := prod.receiver.Receive(receiveParameters(prod.params)); err != nil {
		logCtx.WithError(err).Warn("SFU: start receiver failed")
		return
	}
	track := prod.receiver.Track()
	if track == nil {
		logCtx.Warn("SFU: receiver has no track")
		return
	}
	logCtx.Debug("SFU: relay started")
	prod.relay.pump(ctx, func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}, logCtx)
}

func (p *PionProvider) Consume(ctx context.Context, transportID, producerID string, caps RTPCapabilities) (*ConsumerInfo, error) {
	p.mu.RLock()
	t, tok := p.transports[transportID]
	prod, pok := p.producers[producerID]
	var src *pionTransport
	if pok {
		src = p.transports[prod.transportID]
	}
	p.mu.RUnlock()
	if !tok {
		return nil, ErrTransportNotFound
	}
	if !pok || src == nil {
		return nil, ErrProducerNotFound
	}
	if t.direction != DirectionRecv {
		return nil, ErrInvalidDirection
	}
	if src.routerID != t.routerID {
		return nil, ErrRouterMismatch
	}

	codec, ok := p.pickCodec(prod, caps)
	if !ok {
		return nil, ErrCannotConsume
	}
	consumerID := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(codec.RTPCodecCapability, consumerID, producerID)
	if err != nil {
		return nil, fmt.Errorf("sfu: new local track: %w", err)
	}
	sender, err := p.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("sfu: new rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("sfu: start rtp sender: %w", err)
	}

	c := &pionConsumer{
		id:          consumerID,
		producerID:  producerID,
		transportID: transportID,
		sender:      sender,
		out:         &relayOut{id: consumerID, sink: track},
	}
	// 新 consumer 暂停，等待客户端 resume 后才开始转发
	c.out.paused.Store(true)
	p.mu.Lock()
	if _, ok := p.producers[producerID]; !ok {
		p.mu.Unlock()
		_ = sender.Stop()
		return nil, ErrProducerNotFound
	}
	if _, ok := p.transports[transportID]; !ok {
		p.mu.Unlock()
		_ = sender.Stop()
		return nil, ErrTransportNotFound
	}
	t.consumers[c.id] = struct{}{}
	p.consumers[c.id] = c
	prod.relay.add(c.out)
	p.mu.Unlock()

	return &ConsumerInfo{
		ID:            c.id,
		ProducerID:    producerID,
		Kind:          prod.kind.String(),
		RTPParameters: webrtc.RTPParameters{Codecs: []webrtc.RTPCodecParameters{codec}},
		Encodings:     sendParams.Encodings,
		Paused:        true,
	}, nil
}

// pickCodec 选出生产者使用、且订阅方能力包含的第一个编解码器。
func (p *PionProvider) pickCodec(prod *pionProducer, caps RTPCapabilities) (webrtc.RTPCodecParameters, bool) {
	candidates := prod.params.Codecs
	if len(candidates) == 0 {
		for _, c := range defaultCodecs {
			if c.kind == prod.kind {
				candidates = append(candidates, c.params)
			}
		}
	}
	for _, c := range candidates {
		if caps.Supports(c.MimeType) {
			return c, true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}

func (p *PionProvider) ResumeConsumer(ctx context.Context, consumerID string) error {
	p.mu.RLock()
	c, ok := p.consumers[consumerID]
	p.mu.RUnlock()
	if !ok {
		return ErrConsumerNotFound
	}
	c.out.paused.Store(false)
	return nil
}

func (p *PionProvider) PauseProducer(ctx context.Context, producerID string) error {
	return p.setProducerPaused(producerID, true)
}

func (p *PionProvider) ResumeProducer(ctx context.Context, producerID string) error {
	return p.setProducerPaused(producerID, false)
}

func (p *PionProvider) setProducerPaused(producerID string, paused bool) error {
	p.mu.RLock()
	prod, ok := p.producers[producerID]
	p.mu.RUnlock()
	if !ok {
		return ErrProducerNotFound
	}
	prod.relay.paused.Store(paused)
	return nil
}

func (p *PionProvider) CloseProducer(ctx context.Context, producerID string) error {
	p.mu.Lock()
	prod, senders := p.detachProducerLocked(producerID)
	p.mu.Unlock()
	if prod == nil {
		return nil
	}
	p.stopProducer(prod, senders)
	return nil
}

func (p *PionProvider) stopProducer(prod *pionProducer, senders []*webrtc.RTPSender) {
	prod.cancel()
	for _, s := range senders {
		_ = s.Stop()
	}
	if err := prod.receiver.Stop(); err != nil {
		logrus.WithField("producer_id", prod.id).WithError(err).Debug("SFU: stop receiver")
	}
}

// detachProducerLocked removes the producer and its consumers from the maps; caller holds p.mu.
func (p *PionProvider) detachProducerLocked(producerID string) (*pionProducer, []*webrtc.RTPSender) {
	prod, ok := p.producers[producerID]
	if !ok {
		return nil, nil
	}
	delete(p.producers, producerID)
	if t, ok := p.transports[prod.transportID]; ok {
		delete(t.producers, producerID)
	}
	var senders []*webrtc.RTPSender
	for _, cid := range prod.relay.ids() {
		prod.relay.remove(cid)
		if c, ok := p.consumers[cid]; ok {
			senders = append(senders, c.sender)
			delete(p.consumers, cid)
			if t, ok := p.transports[c.transportID]; ok {
				delete(t.consumers, cid)
			}
		}
	}
	return prod, senders
}

func (p *PionProvider) CloseTransport(ctx context.Context, transportID string) error {
	p.mu.Lock()
	t, ok := p.transports[transportID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.transports, transportID)
	if r, ok := p.routers[t.routerID]; ok {
		delete(r.transports, transportID)
	}
	var producers []*pionProducer
	var senders [][]*webrtc.RTPSender
	for pid := range t.producers {
		if prod, ss := p.detachProducerLocked(pid); prod != nil {
			producers = append(producers, prod)
			senders = append(senders, ss)
		}
	}
	var own []*webrtc.RTPSender
	for cid := range t.consumers {
		if c, ok := p.consumers[cid]; ok {
			own = append(own, c.sender)
			delete(p.consumers, cid)
			if prod, ok := p.producers[c.producerID]; ok {
				prod.relay.remove(cid)
			}
		}
	}
	p.mu.Unlock()

	for _, s := range own {
		_ = s.Stop()
	}
	for i, prod := range producers {
		p.stopProducer(prod, senders[i])
	}
	p.stopTransport(t)
	return nil
}

func (p *PionProvider) stopTransport(t *pionTransport) {
	logCtx := logrus.WithField("transport_id", t.id)
	if err := t.dtls.Stop(); err != nil {
		logCtx.WithError(err).Debug("SFU: stop dtls")
	}
	if err := t.ice.Stop(); err != nil {
		logCtx.WithError(err).Debug("SFU: stop ice")
	}
	if err := t.gatherer.Close(); err != nil {
		logCtx.WithError(err).Debug("SFU: close gatherer")
	}
}

func (p *PionProvider) CloseRouter(ctx context.Context, routerID string) error {
	p.mu.Lock()
	r, ok := p.routers[routerID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.routers, routerID)
	ids := make([]string, 0, len(r.transports))
	for id := range r.transports {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.CloseTransport(ctx, id)
	}
	return nil
}

func equalMime(a, b string) bool { return strings.EqualFold(a, b) }
