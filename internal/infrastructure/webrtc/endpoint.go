package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/config"
	"peercall/pkg/optimize"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrUnknownHandle = errors.New("unknown media handle")

const pliInterval = 3 * time.Second

var packetBuffers = optimize.NewBytePool(optimize.PacketBufferSize)

// EndpointConfig WebRTC configuration
type EndpointConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	Audio bool
	Video bool
}

func EndpointConfigFrom(cfg *config.Config) EndpointConfig {
	ec := EndpointConfig{
		Audio: cfg.WebRTC.Audio,
		Video: cfg.WebRTC.Video,
	}
	for _, s := range cfg.WebRTC.ICEServers {
		ec.ICEServers = append(ec.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	ec.PortRange.Min = cfg.WebRTC.PortRange.Min
	ec.PortRange.Max = cfg.WebRTC.PortRange.Max
	return ec
}

// RTPWriter is the sink a SampleSource writes local media into.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// SampleSource produces RTP for a local track ("audio" or "video") until ctx
// is done. Device capture lives behind this interface.
type SampleSource interface {
	Run(ctx context.Context, kind string, w RTPWriter) error
}

// TrackStats counts what arrived on one remote track.
type TrackStats struct {
	Kind         string
	Packets      uint64
	Bytes        uint64
	LastSequence uint16
}

// Endpoint is the pion implementation of ports.MediaEndpoint: one
// PeerConnection per handle with Opus and VP8 send tracks.
type Endpoint struct {
	config EndpointConfig
	api    *webrtc.API
	source SampleSource

	peers map[string]*peer
	seq   atomic.Uint64
	mu    sync.RWMutex

	logger *zap.SugaredLogger
}

type peer struct {
	id     string
	pc     *webrtc.PeerConnection
	events ports.MediaEvents
	cancel context.CancelFunc

	statsMu sync.Mutex
	stats   map[string]*TrackStats

	closeOnce sync.Once
}

func (p *peer) ID() string { return p.id }

func NewEndpoint(cfg EndpointConfig, source SampleSource, logger *zap.SugaredLogger) (*Endpoint, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Endpoint{
		config: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(settingEngine),
		),
		source: source,
		peers:  make(map[string]*peer),
		logger: logger,
	}, nil
}

var _ ports.MediaEndpoint = (*Endpoint)(nil)

// AcquireLocalMedia creates the PeerConnection and its local tracks. Any
// failure is reported as domain.ErrMediaAcquireFailed.
func (e *Endpoint) AcquireLocalMedia(ctx context.Context, events ports.MediaEvents) (ports.MediaHandle, error) {
	if !e.config.Audio && !e.config.Video {
		return nil, fmt.Errorf("%w: neither audio nor video enabled", domain.ErrMediaAcquireFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   e.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create peer connection: %v", domain.ErrMediaAcquireFailed, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &peer{
		id:     fmt.Sprintf("pc-%d", e.seq.Add(1)),
		pc:     pc,
		events: events,
		cancel: cancel,
		stats:  make(map[string]*TrackStats),
	}

	kinds := []struct {
		enabled bool
		kind    string
		mime    string
	}{
		{e.config.Audio, "audio", webrtc.MimeTypeOpus},
		{e.config.Video, "video", webrtc.MimeTypeVP8},
	}
	for _, k := range kinds {
		if !k.enabled {
			continue
		}
		if err := e.addLocalTrack(runCtx, p, k.kind, k.mime); err != nil {
			cancel()
			pc.Close()
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquireFailed, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnLocalIceCandidate == nil {
			return
		}
		events.OnLocalIceCandidate(candidateFromInit(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Infow("peer connection state changed",
			"handle", p.id,
			"connection_state", state.String(),
		)
		if events.OnConnectionStateChange != nil {
			events.OnConnectionStateChange(transportState(state))
		}
	})
	pc.OnTrack(e.handleRemoteTrack(runCtx, p))

	e.mu.Lock()
	e.peers[p.id] = p
	e.mu.Unlock()

	e.logger.Debugw("local media acquired",
		"handle", p.id,
		"audio", e.config.Audio,
		"video", e.config.Video,
	)
	return p, nil
}

func (e *Endpoint) addLocalTrack(ctx context.Context, p *peer, kind, mime string) error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mime},
		kind,
		"peercall-"+p.id,
	)
	if err != nil {
		return fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", kind, err)
	}

	// RTCP must be read for interceptors such as NACK to work.
	go e.readSenderRTCP(p, kind, sender)

	if e.source != nil {
		go func() {
			if err := e.source.Run(ctx, kind, track); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warnw("sample source stopped",
					"handle", p.id,
					"kind", kind,
					"error", err,
				)
			}
		}()
	}
	return nil
}

func (e *Endpoint) readSenderRTCP(p *peer, kind string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication:
				e.logger.Debugw("remote requested keyframe", "handle", p.id, "kind", kind, "ssrc", pkt.MediaSSRC)
			case *rtcp.ReceiverReport:
				for _, report := range pkt.Reports {
					e.logger.Debugw("receiver report",
						"handle", p.id,
						"kind", kind,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func (e *Endpoint) handleRemoteTrack(ctx context.Context, p *peer) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		e.logger.Infow("remote track started",
			"handle", p.id,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)

		if p.events.OnRemoteTrack != nil {
			p.events.OnRemoteTrack(domain.RemoteStream{
				StreamID: track.StreamID(),
				TrackID:  track.ID(),
				Kind:     kind,
				MimeType: track.Codec().MimeType,
			})
		}

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go e.requestKeyframes(ctx, p, track)
		}
		go e.drainTrack(p, track)
	}
}

// drainTrack reads remote RTP until the track ends. Nothing renders it here;
// reading keeps the receive buffers moving and feeds TrackStats.
func (e *Endpoint) drainTrack(p *peer, track *webrtc.TrackRemote) {
	stats := &TrackStats{Kind: track.Kind().String()}
	p.statsMu.Lock()
	p.stats[track.ID()] = stats
	p.statsMu.Unlock()

	buf := packetBuffers.Get()
	defer packetBuffers.Put(buf)

	packet := &rtp.Packet{}
	for {
		n, _, err := track.Read(*buf)
		if err != nil {
			return
		}
		if err := packet.Unmarshal((*buf)[:n]); err != nil {
			e.logger.Debugw("error unmarshaling RTP packet", "handle", p.id, "error", err)
			continue
		}

		p.statsMu.Lock()
		stats.Packets++
		stats.Bytes += uint64(len(packet.Payload))
		stats.LastSequence = packet.SequenceNumber
		p.statsMu.Unlock()
	}
}

// requestKeyframes sends a PLI right away and then periodically so that a
// decoder joining mid-stream recovers quickly.
func (e *Endpoint) requestKeyframes(ctx context.Context, p *peer, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := p.pc.WriteRTCP(pli); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Endpoint) CreateOffer(ctx context.Context, h ports.MediaHandle) (domain.SessionDescription, error) {
	p, err := e.peer(h)
	if err != nil {
		return domain.SessionDescription{}, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (e *Endpoint) CreateAnswer(ctx context.Context, h ports.MediaHandle, remote domain.SessionDescription) (domain.SessionDescription, error) {
	p, err := e.peer(h)
	if err != nil {
		return domain.SessionDescription{}, err
	}

	if err := e.setRemote(p, remote); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (e *Endpoint) SetRemoteDescription(ctx context.Context, h ports.MediaHandle, desc domain.SessionDescription) error {
	p, err := e.peer(h)
	if err != nil {
		return err
	}
	return e.setRemote(p, desc)
}

func (e *Endpoint) setRemote(p *peer, desc domain.SessionDescription) error {
	sdpType, err := sdpTypeOf(desc.Type)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (e *Endpoint) AddIceCandidate(ctx context.Context, h ports.MediaHandle, c domain.IceCandidate) error {
	p, err := e.peer(h)
	if err != nil {
		return err
	}
	if err := p.pc.AddICECandidate(initFromCandidate(c)); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// Close stops local capture and tears the PeerConnection down. Closing a
// handle twice is a no-op.
func (e *Endpoint) Close(h ports.MediaHandle) error {
	e.mu.Lock()
	p, ok := e.peers[h.ID()]
	delete(e.peers, h.ID())
	e.mu.Unlock()
	if !ok {
		return nil
	}

	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.pc.Close()
		e.logger.Debugw("media released", "handle", p.id)
	})
	return err
}

// Stats returns a copy of the remote track counters of h, keyed by track id.
func (e *Endpoint) Stats(h ports.MediaHandle) map[string]TrackStats {
	p, err := e.peer(h)
	if err != nil {
		return nil
	}

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := make(map[string]TrackStats, len(p.stats))
	for id, s := range p.stats {
		out[id] = *s
	}
	return out
}

// Handles returns the number of open handles.
func (e *Endpoint) Handles() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.peers)
}

func (e *Endpoint) peer(h ports.MediaHandle) (*peer, error) {
	if h == nil {
		return nil, ErrUnknownHandle
	}
	e.mu.RLock()
	p, ok := e.peers[h.ID()]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID())
	}
	return p, nil
}

func sdpTypeOf(t domain.SDPType) (webrtc.SDPType, error) {
	switch t {
	case domain.SDPTypeOffer:
		return webrtc.SDPTypeOffer, nil
	case domain.SDPTypeAnswer:
		return webrtc.SDPTypeAnswer, nil
	default:
		return webrtc.SDPType(0), fmt.Errorf("%w: unsupported sdp type %q", domain.ErrInvalidMessage, t)
	}
}

func transportState(state webrtc.PeerConnectionState) domain.TransportState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}

func candidateFromInit(init webrtc.ICECandidateInit) domain.IceCandidate {
	return domain.IceCandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func initFromCandidate(c domain.IceCandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
