package media

import (
	"encoding/json"
)

// StreamKind identifies the media a producer carries.
type StreamKind string

const (
	KindWebcam StreamKind = "webcam"
	KindMic    StreamKind = "mic"
)

// StreamKinds lists every kind a router tracks.
var StreamKinds = []StreamKind{KindWebcam, KindMic}

func (k StreamKind) Valid() bool {
	return k == KindWebcam || k == KindMic
}

// Direction of a transport relative to the client: send is ingress
// (client publishes), recv is egress (client subscribes).
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// Wire frames exchanged with a worker process. Requests go down the worker's
// stdin as single JSON lines, responses and notifications come back on stdout.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	ID    uint64          `json:"id"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// worker control protocol methods
const (
	MethodCreateRouter     = "worker.createRouter"
	MethodCloseRouter      = "worker.closeRouter"
	MethodCreateTransport  = "router.createTransport"
	MethodConnectTransport = "transport.connect"
	MethodCloseTransport   = "transport.close"
	MethodProduce          = "transport.produce"
	MethodConsume          = "transport.consume"
	MethodCloseProducer    = "producer.close"
	MethodCloseConsumer    = "consumer.close"
)

// EventWorkerRunning is emitted by a worker once it is ready to take requests.
const EventWorkerRunning = "running"

type CreateRouterRequest struct {
	RouterID string `json:"routerId"`
}

type CloseRouterRequest struct {
	RouterID string `json:"routerId"`
}

type CreateTransportRequest struct {
	RouterID    string    `json:"routerId"`
	TransportID string    `json:"transportId"`
	Direction   Direction `json:"direction"`
}

type ConnectTransportRequest struct {
	TransportID    string         `json:"transportId"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
	// remote ICE ufrag/pwd; required because the worker runs full ICE,
	// not ice-lite
	ICEParameters *ICEParameters `json:"iceParameters,omitempty"`
}

type CloseTransportRequest struct {
	TransportID string `json:"transportId"`
}

type ProduceRequest struct {
	TransportID   string        `json:"transportId"`
	ProducerID    string        `json:"producerId"`
	Kind          StreamKind    `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

type ConsumeRequest struct {
	TransportID string `json:"transportId"`
	ConsumerID  string `json:"consumerId"`
	ProducerID  string `json:"producerId"`
}

type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

type CloseConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

// TransportInfo is the negotiation material returned on transport creation,
// relayed to the client verbatim.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  ICEParameters   `json:"iceParameters"`
	ICECandidates  []ICECandidate  `json:"iceCandidates"`
	DTLSParameters DTLSParameters  `json:"dtlsParameters"`
	SCTPParameters *SCTPParameters `json:"sctpParameters,omitempty"`
}

// ConsumerInfo is returned on consumer creation, relayed to the client verbatim.
type ConsumerInfo struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          StreamKind    `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

type SCTPParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

type RTPCodecParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

type RTPEncodingParameters struct {
	SSRC uint32 `json:"ssrc"`
	RID  string `json:"rid,omitempty"`
}

type RTCPParameters struct {
	CName string `json:"cname,omitempty"`
}

// RTPParameters describe the codecs and encodings of a single stream.
type RTPParameters struct {
	MID       string                  `json:"mid,omitempty"`
	Codecs    []RTPCodecParameters    `json:"codecs"`
	Encodings []RTPEncodingParameters `json:"encodings"`
	RTCP      *RTCPParameters         `json:"rtcp,omitempty"`
}

type RTPCapabilities struct {
	Codecs []RTPCodecParameters `json:"codecs"`
}

// RouterCapabilities is the static capability set every router advertises.
// The worker registers exactly these codecs with its media engine, so the
// table must stay in sync on both sides of the channel.
func RouterCapabilities() RTPCapabilities {
	return RTPCapabilities{
		Codecs: []RTPCodecParameters{
			{
				MimeType:    "audio/opus",
				PayloadType: 111,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			{
				MimeType:    "video/VP8",
				PayloadType: 96,
				ClockRate:   90000,
			},
		},
	}
}
