package mediaworker

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/leapcast/leap-server/pkg/logger"
	"github.com/leapcast/leap-server/pkg/media"
)

// producer reads RTP from one incoming track and fans it out to every
// attached consumer. One goroutine per producer.
type producer struct {
	id       string
	kind     media.StreamKind
	codec    media.RTPCodecParameters
	ssrc     uint32
	receiver *webrtc.RTPReceiver
	dtls     *webrtc.DTLSTransport

	mu        sync.RWMutex
	consumers map[string]*consumer

	done      chan struct{}
	closeOnce sync.Once
}

type consumer struct {
	id         string
	producerID string
	kind       media.StreamKind
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
}

func newProducer(id string, kind media.StreamKind, codec media.RTPCodecParameters, ssrc uint32, receiver *webrtc.RTPReceiver, dtls *webrtc.DTLSTransport) *producer {
	return &producer{
		id:        id,
		kind:      kind,
		codec:     codec,
		ssrc:      ssrc,
		receiver:  receiver,
		dtls:      dtls,
		consumers: make(map[string]*consumer),
		done:      make(chan struct{}),
	}
}

func (p *producer) run() {
	track := p.receiver.Track()
	if track == nil {
		return
	}

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err = pkt.Unmarshal(buf[:n]); err != nil {
			logger.Debugw("dropping malformed RTP packet", "producerId", p.id, "error", err)
			continue
		}

		p.mu.RLock()
		for _, c := range p.consumers {
			if writeErr := c.track.WriteRTP(pkt); writeErr != nil {
				logger.Debugw("could not forward RTP packet", "consumerId", c.id, "error", writeErr)
			}
		}
		p.mu.RUnlock()
	}
}

func (p *producer) addConsumer(c *consumer) {
	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()

	if p.kind == media.KindWebcam {
		// the new consumer needs a keyframe before it can render anything
		go p.requestKeyFrame()
	}
}

func (p *producer) removeConsumer(consumerID string) {
	p.mu.Lock()
	delete(p.consumers, consumerID)
	p.mu.Unlock()
}

func (p *producer) requestKeyFrame() {
	_, err := p.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: p.ssrc},
	})
	if err != nil {
		logger.Debugw("could not request keyframe", "producerId", p.id, "error", err)
	}
}

func (p *producer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.receiver.Stop()
	})
}

func (c *consumer) close() {
	_ = c.sender.Stop()
}
