package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/internal/core/ports"
	"anonstream/pkg/optimize"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	h264ClockRate  = 90000
	h264Payload    = 102
	defaultMTU     = 1200
	defaultSamples = h264ClockRate / 30
)

// Config configures the viewer-facing WebRTC sink.
type Config struct {
	StreamName string
	ICEServers []string
	MaxViewers int
	FPS        int
}

// Sink fans encoded access units out to WebRTC viewers over one shared
// H.264 track.
type Sink struct {
	cfg    Config
	api    *webrtc.API
	track  *webrtc.TrackLocalStaticRTP
	logger *zap.SugaredLogger

	// packetizer state is touched only by WriteFrame.
	packetizer rtp.Packetizer
	lastFrame  time.Time
	scratch    []byte

	mu         sync.RWMutex
	viewers    map[string]*viewer
	listener   ports.SessionListener
	onKeyframe func()
	closed     bool

	packetsSent atomic.Uint64
	pliReceived atomic.Uint64
}

type viewer struct {
	id        string
	addr      string
	pc        *webrtc.PeerConnection
	connected bool
	createdAt time.Time
}

func NewSink(cfg Config, logger *zap.SugaredLogger) (*Sink, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(5*time.Second, 10*time.Second, 2*time.Second)

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   h264ClockRate,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		"video",
		cfg.StreamName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create track: %w", err)
	}

	return &Sink{
		cfg: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		track:  track,
		logger: logger,
		packetizer: rtp.NewPacketizer(
			defaultMTU,
			h264Payload,
			0, // rewritten per binding by the track
			&codecs.H264Payloader{},
			rtp.NewRandomSequencer(),
			h264ClockRate,
		),
		viewers: make(map[string]*viewer),
	}, nil
}

func (s *Sink) SetListener(l ports.SessionListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// OnKeyframeRequest registers fn to be called when a viewer sends PLI or FIR.
func (s *Sink) OnKeyframeRequest(fn func()) {
	s.mu.Lock()
	s.onKeyframe = fn
	s.mu.Unlock()
}

// CreateViewerOffer creates a peer connection for a viewer and returns its
// offer with ICE candidates gathered.
func (s *Sink) CreateViewerOffer(ctx context.Context, id, addr string) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, domain.ErrSinkClosed
	}
	if s.cfg.MaxViewers > 0 && len(s.viewers) >= s.cfg.MaxViewers {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, domain.ErrViewerLimit
	}
	s.mu.Unlock()

	var iceServers []webrtc.ICEServer
	if len(s.cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: s.cfg.ICEServers}}
	}
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create peer connection: %w", err)
	}

	sender, err := pc.AddTrack(s.track)
	if err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to add track: %w", err)
	}
	go s.readRTCP(id, sender)

	v := &viewer{id: id, addr: addr, pc: pc, createdAt: time.Now()}
	pc.OnConnectionStateChange(s.handleConnectionState(v))

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return webrtc.SessionDescription{}, ctx.Err()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pc.Close()
		return webrtc.SessionDescription{}, domain.ErrSinkClosed
	}
	s.viewers[id] = v
	s.mu.Unlock()

	s.logger.Infow("Viewer offer created", "viewer_id", id, "addr", addr)
	return *pc.LocalDescription(), nil
}

// HandleViewerAnswer applies the viewer's SDP answer.
func (s *Sink) HandleViewerAnswer(id string, answer webrtc.SessionDescription) error {
	v, ok := s.viewer(id)
	if !ok {
		return fmt.Errorf("viewer %s: %w", id, domain.ErrSinkClosed)
	}
	return v.pc.SetRemoteDescription(answer)
}

// AddICECandidate adds a trickled candidate from the viewer.
func (s *Sink) AddICECandidate(id string, candidate webrtc.ICECandidateInit) error {
	v, ok := s.viewer(id)
	if !ok {
		return fmt.Errorf("viewer %s: %w", id, domain.ErrSinkClosed)
	}
	return v.pc.AddICECandidate(candidate)
}

func (s *Sink) viewer(id string) (*viewer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.viewers[id]
	return v, ok
}

func (s *Sink) handleConnectionState(v *viewer) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		s.logger.Infow("Viewer connection state changed",
			"viewer_id", v.id,
			"connection_state", state.String(),
		)

		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.mu.Lock()
			first := !v.connected && s.viewers[v.id] == v
			v.connected = true
			listener := s.listener
			s.mu.Unlock()
			if first && listener != nil {
				listener.OnConnect(v.addr)
			}
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			s.RemoveViewer(v.id)
		}
	}
}

// RemoveViewer closes a viewer's connection. Viewers that had connected
// are reported to the session listener exactly once.
func (s *Sink) RemoveViewer(id string) {
	s.mu.Lock()
	v, ok := s.viewers[id]
	var connected bool
	if ok {
		delete(s.viewers, id)
		connected = v.connected
	}
	listener := s.listener
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := v.pc.Close(); err != nil {
		s.logger.Debugw("Closing viewer connection", "viewer_id", id, "error", err)
	}
	if connected && listener != nil {
		listener.OnDisconnect(v.addr)
	}
	s.logger.Infow("Viewer removed", "viewer_id", id, "session", time.Since(v.createdAt).Round(time.Second))
}

func (s *Sink) readRTCP(id string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debugw("RTCP read ended", "viewer_id", id, "error", err)
			}
			return
		}
		for _, p := range packets {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.pliReceived.Add(1)
				s.mu.RLock()
				fn := s.onKeyframe
				s.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}
		}
	}
}

// WriteFrame packetizes one access unit and writes it to every viewer.
func (s *Sink) WriteFrame(_ context.Context, batch domain.PacketBatch) error {
	s.mu.RLock()
	closed, viewers := s.closed, len(s.viewers)
	s.mu.RUnlock()

	if closed {
		return domain.ErrSinkClosed
	}

	samples := s.samples(batch.CapturedAt)
	if viewers == 0 {
		return nil
	}

	s.scratch = AppendAnnexB(s.scratch[:0], batch.Packets)
	au := s.scratch
	if len(au) == 0 {
		return nil
	}

	var firstErr error
	for _, p := range s.packetizer.Packetize(au, samples) {
		if err := s.track.WriteRTP(p); err != nil && !errors.Is(err, io.ErrClosedPipe) && firstErr == nil {
			firstErr = err
		}
		s.packetsSent.Add(1)
	}
	return firstErr
}

// samples returns the RTP timestamp increment for a frame captured at t.
func (s *Sink) samples(t time.Time) uint32 {
	fallback := uint32(defaultSamples)
	if s.cfg.FPS > 0 {
		fallback = uint32(h264ClockRate / s.cfg.FPS)
	}
	prev := s.lastFrame
	s.lastFrame = t
	if prev.IsZero() || t.IsZero() || !t.After(prev) {
		return fallback
	}
	return uint32(t.Sub(prev) * h264ClockRate / time.Second)
}

// AnnexB joins NAL units with four-byte start codes.
func AnnexB(packets []domain.Packet) []byte {
	return AppendAnnexB(nil, packets)
}

// AppendAnnexB is AnnexB writing into dst, reusing its capacity.
func AppendAnnexB(dst []byte, packets []domain.Packet) []byte {
	n := len(dst)
	for _, p := range packets {
		if len(p.Data) > 0 {
			n += 4 + len(p.Data)
		}
	}
	off := len(dst)
	dst = optimize.GrowSlice(dst, n)
	for _, p := range packets {
		if len(p.Data) == 0 {
			continue
		}
		off += copy(dst[off:], []byte{0, 0, 0, 1})
		off += copy(dst[off:], p.Data)
	}
	return dst
}

func (s *Sink) ViewerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.viewers)
}

// Close disconnects every viewer. WriteFrame fails with
// domain.ErrSinkClosed afterwards.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.viewers))
	for id := range s.viewers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.RemoveViewer(id)
	}
	s.logger.Infow("Transport sink closed",
		"viewers", len(ids),
		"rtp_packets", s.packetsSent.Load(),
		"keyframe_requests", s.pliReceived.Load(),
	)
	return nil
}

var _ ports.TransportSink = (*Sink)(nil)
