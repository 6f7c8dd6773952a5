package mediaworker

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/leapcast/leap-server/pkg/logger"
	"github.com/leapcast/leap-server/pkg/media"
)

const gatherTimeout = 10 * time.Second

// Config for one worker process.
type Config struct {
	RTCMinPort  uint16
	RTCMaxPort  uint16
	STUNServers []string
}

// Engine hosts the worker side of the control protocol: routers, transports,
// producers and consumers, all backed by pion's ORTC-style APIs. Requests
// arrive serially from the channel, so the registries only need a mutex to
// guard against the forwarding goroutines.
type Engine struct {
	api         *webrtc.API
	stunServers []string

	mu         sync.Mutex
	routers    map[string]*router
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

type router struct {
	id           string
	transportIDs map[string]struct{}
}

type transport struct {
	id        string
	routerID  string
	direction media.Direction

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	producerIDs map[string]struct{}
	consumerIDs map[string]struct{}
}

func NewEngine(conf *Config) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	for _, codec := range media.RouterCapabilities().Codecs {
		kind := webrtc.RTPCodecTypeAudio
		if strings.HasPrefix(codec.MimeType, "video/") {
			kind = webrtc.RTPCodecTypeVideo
		}
		err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    codec.MimeType,
				ClockRate:   codec.ClockRate,
				Channels:    codec.Channels,
				SDPFmtpLine: codec.SDPFmtpLine,
			},
			PayloadType: webrtc.PayloadType(codec.PayloadType),
		}, kind)
		if err != nil {
			return nil, err
		}
	}

	se := webrtc.SettingEngine{
		LoggerFactory: logger.LoggerFactory(),
	}
	if conf.RTCMinPort > 0 && conf.RTCMaxPort > conf.RTCMinPort {
		if err := se.SetEphemeralUDPPortRange(conf.RTCMinPort, conf.RTCMaxPort); err != nil {
			return nil, err
		}
	}

	return &Engine{
		api:         webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		stunServers: conf.STUNServers,
		routers:     make(map[string]*router),
		transports:  make(map[string]*transport),
		producers:   make(map[string]*producer),
		consumers:   make(map[string]*consumer),
	}, nil
}

// Handle runs one control request and returns its response payload.
func (e *Engine) Handle(method string, data json.RawMessage) (interface{}, error) {
	switch method {
	case media.MethodCreateRouter:
		req := &media.CreateRouterRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, err
		}
		return nil, e.createRouter(req.RouterID)

	case media.MethodCloseRouter:
		req := &media.CloseRouterRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, err
		}
		return nil, e.closeRouter(req.RouterID)

	case media.MethodCreateTransport:
		req := &media.CreateTransportRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, err
		}
		return e.createTransport(req)

	case media.MethodConnectTransport:
		req := &media.ConnectTransportRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, err
		}
		return nil, e.connectTransport(req)

	case media.MethodCloseTransport:
		req := &media.CloseTransportRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, err
		}
		return nil, e.closeTransport(req.TransportID)

	case media.MethodProduce:
		req := &media.ProduceRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, err
		}
		return e.produce(req)

	case media.MethodConsume:
		req := &media.ConsumeRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, err
		}
		return e.consume(req)

	case media.MethodCloseProducer:
		req := &media.CloseProducerRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, err
		}
		return nil, e.closeProducer(req.ProducerID)

	case media.MethodCloseConsumer:
		req := &media.CloseConsumerRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, err
		}
		return nil, e.closeConsumer(req.ConsumerID)

	default:
		return nil, fmt.Errorf("unknown method %s", method)
	}
}

func (e *Engine) createRouter(routerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.routers[routerID]; ok {
		return fmt.Errorf("router %s already exists", routerID)
	}
	e.routers[routerID] = &router{
		id:           routerID,
		transportIDs: make(map[string]struct{}),
	}
	logger.Debugw("router created", "routerId", routerID)
	return nil
}

func (e *Engine) closeRouter(routerID string) error {
	e.mu.Lock()
	r, ok := e.routers[routerID]
	delete(e.routers, routerID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("router %s not found", routerID)
	}

	for transportID := range r.transportIDs {
		_ = e.closeTransport(transportID)
	}
	logger.Debugw("router closed", "routerId", routerID)
	return nil
}

func (e *Engine) createTransport(req *media.CreateTransportRequest) (*media.TransportInfo, error) {
	e.mu.Lock()
	r, ok := e.routers[req.RouterID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("router %s not found", req.RouterID)
	}

	var iceServers []webrtc.ICEServer
	if len(e.stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: e.stunServers})
	}
	gatherer, err := e.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: iceServers})
	if err != nil {
		return nil, errors.Wrap(err, "could not create ICE gatherer")
	}

	ice := e.api.NewICETransport(gatherer)
	dtls, err := e.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, errors.Wrap(err, "could not create DTLS transport")
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err = gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, errors.Wrap(err, "ICE gathering failed")
	}
	select {
	case <-gatherDone:
	case <-time.After(gatherTimeout):
		_ = gatherer.Close()
		return nil, fmt.Errorf("ICE gathering timed out")
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	t := &transport{
		id:          req.TransportID,
		routerID:    req.RouterID,
		direction:   req.Direction,
		gatherer:    gatherer,
		ice:         ice,
		dtls:        dtls,
		producerIDs: make(map[string]struct{}),
		consumerIDs: make(map[string]struct{}),
	}

	e.mu.Lock()
	e.transports[t.id] = t
	r.transportIDs[t.id] = struct{}{}
	e.mu.Unlock()

	logger.Debugw("transport created", "transportId", t.id, "direction", t.direction)
	return &media.TransportInfo{
		ID:             t.id,
		ICEParameters:  convertICEParameters(iceParams),
		ICECandidates:  convertICECandidates(candidates),
		DTLSParameters: convertDTLSParameters(dtlsParams),
		SCTPParameters: &media.SCTPParameters{
			Port:           5000,
			OS:             1024,
			MIS:            1024,
			MaxMessageSize: 262144,
		},
	}, nil
}

func (e *Engine) connectTransport(req *media.ConnectTransportRequest) error {
	e.mu.Lock()
	t, ok := e.transports[req.TransportID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport %s not found", req.TransportID)
	}
	if req.ICEParameters == nil {
		return fmt.Errorf("iceParameters are required")
	}

	iceRole := webrtc.ICERoleControlled
	err := t.ice.Start(nil, webrtc.ICEParameters{
		UsernameFragment: req.ICEParameters.UsernameFragment,
		Password:         req.ICEParameters.Password,
		ICELite:          req.ICEParameters.ICELite,
	}, &iceRole)
	if err != nil {
		return errors.Wrap(err, "could not start ICE transport")
	}

	if err = t.dtls.Start(remoteDTLSParameters(req.DTLSParameters)); err != nil {
		return errors.Wrap(err, "could not start DTLS transport")
	}

	logger.Debugw("transport connected", "transportId", t.id)
	return nil
}

func (e *Engine) closeTransport(transportID string) error {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	delete(e.transports, transportID)
	if ok {
		if r := e.routers[t.routerID]; r != nil {
			delete(r.transportIDs, transportID)
		}
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport %s not found", transportID)
	}

	for producerID := range t.producerIDs {
		_ = e.closeProducer(producerID)
	}
	for consumerID := range t.consumerIDs {
		_ = e.closeConsumer(consumerID)
	}

	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()
	logger.Debugw("transport closed", "transportId", transportID)
	return nil
}

func (e *Engine) produce(req *media.ProduceRequest) (interface{}, error) {
	e.mu.Lock()
	t, ok := e.transports[req.TransportID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport %s not found", req.TransportID)
	}
	if len(req.RTPParameters.Encodings) == 0 {
		return nil, fmt.Errorf("rtpParameters.encodings are required")
	}

	codec, err := codecForKind(req.Kind, req.RTPParameters.Codecs)
	if err != nil {
		return nil, err
	}

	codecType := webrtc.RTPCodecTypeAudio
	if req.Kind == media.KindWebcam {
		codecType = webrtc.RTPCodecTypeVideo
	}
	receiver, err := e.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, errors.Wrap(err, "could not create RTP receiver")
	}

	ssrc := req.RTPParameters.Encodings[0].SSRC
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not start RTP receiver")
	}

	p := newProducer(req.ProducerID, req.Kind, codec, ssrc, receiver, t.dtls)
	e.mu.Lock()
	e.producers[p.id] = p
	t.producerIDs[p.id] = struct{}{}
	e.mu.Unlock()
	go p.run()

	logger.Debugw("producer created", "producerId", p.id, "kind", p.kind, "ssrc", ssrc)
	return nil, nil
}

func (e *Engine) consume(req *media.ConsumeRequest) (*media.ConsumerInfo, error) {
	e.mu.Lock()
	t, tok := e.transports[req.TransportID]
	p, pok := e.producers[req.ProducerID]
	e.mu.Unlock()
	if !tok {
		return nil, fmt.Errorf("transport %s not found", req.TransportID)
	}
	if !pok {
		return nil, fmt.Errorf("producer %s not found", req.ProducerID)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    p.codec.MimeType,
		ClockRate:   p.codec.ClockRate,
		Channels:    p.codec.Channels,
		SDPFmtpLine: p.codec.SDPFmtpLine,
	}, req.ConsumerID, "leap")
	if err != nil {
		return nil, err
	}

	sender, err := e.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, errors.Wrap(err, "could not create RTP sender")
	}
	params := sender.GetParameters()
	if err = sender.Send(params); err != nil {
		return nil, errors.Wrap(err, "could not start RTP sender")
	}

	c := &consumer{
		id:         req.ConsumerID,
		producerID: req.ProducerID,
		kind:       p.kind,
		track:      track,
		sender:     sender,
	}
	e.mu.Lock()
	e.consumers[c.id] = c
	t.consumerIDs[c.id] = struct{}{}
	e.mu.Unlock()
	p.addConsumer(c)

	var ssrc uint32
	if len(params.Encodings) > 0 {
		ssrc = uint32(params.Encodings[0].SSRC)
	}
	logger.Debugw("consumer created", "consumerId", c.id, "producerId", p.id)
	return &media.ConsumerInfo{
		ID:         c.id,
		ProducerID: p.id,
		Kind:       p.kind,
		RTPParameters: media.RTPParameters{
			Codecs:    []media.RTPCodecParameters{p.codec},
			Encodings: []media.RTPEncodingParameters{{SSRC: ssrc}},
		},
	}, nil
}

func (e *Engine) closeProducer(producerID string) error {
	e.mu.Lock()
	p, ok := e.producers[producerID]
	delete(e.producers, producerID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("producer %s not found", producerID)
	}
	p.close()
	logger.Debugw("producer closed", "producerId", producerID)
	return nil
}

func (e *Engine) closeConsumer(consumerID string) error {
	e.mu.Lock()
	c, ok := e.consumers[consumerID]
	delete(e.consumers, consumerID)
	var p *producer
	if ok {
		p = e.producers[c.producerID]
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("consumer %s not found", consumerID)
	}
	if p != nil {
		p.removeConsumer(consumerID)
	}
	c.close()
	return nil
}

func codecForKind(kind media.StreamKind, offered []media.RTPCodecParameters) (media.RTPCodecParameters, error) {
	prefix := "audio/"
	if kind == media.KindWebcam {
		prefix = "video/"
	}
	// prefer what the client offered, fall back on the router's table
	for _, codec := range offered {
		if strings.HasPrefix(codec.MimeType, prefix) {
			return codec, nil
		}
	}
	for _, codec := range media.RouterCapabilities().Codecs {
		if strings.HasPrefix(codec.MimeType, prefix) {
			return codec, nil
		}
	}
	return media.RTPCodecParameters{}, fmt.Errorf("no codec for kind %s", kind)
}

func convertICEParameters(p webrtc.ICEParameters) media.ICEParameters {
	return media.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func convertICECandidates(candidates []webrtc.ICECandidate) []media.ICECandidate {
	out := make([]media.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, media.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	return out
}

func convertDTLSParameters(p webrtc.DTLSParameters) media.DTLSParameters {
	fingerprints := make([]media.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, f := range p.Fingerprints {
		fingerprints = append(fingerprints, media.DTLSFingerprint{
			Algorithm: f.Algorithm,
			Value:     f.Value,
		})
	}
	return media.DTLSParameters{
		Role:         "auto",
		Fingerprints: fingerprints,
	}
}

func remoteDTLSParameters(p media.DTLSParameters) webrtc.DTLSParameters {
	role := webrtc.DTLSRoleAuto
	switch p.Role {
	case "client":
		role = webrtc.DTLSRoleClient
	case "server":
		role = webrtc.DTLSRoleServer
	}
	fingerprints := make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, f := range p.Fingerprints {
		fingerprints = append(fingerprints, webrtc.DTLSFingerprint{
			Algorithm: f.Algorithm,
			Value:     f.Value,
		})
	}
	return webrtc.DTLSParameters{
		Role:         role,
		Fingerprints: fingerprints,
	}
}
