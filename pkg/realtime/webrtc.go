package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/calmira-ai/go-calmira/internal/httpc"
	"github.com/calmira-ai/go-calmira/pkg/audioio"
	"github.com/calmira-ai/go-calmira/pkg/pcm"
)

const (
	// WebRTC audio is opus at 48kHz; the API's PCM16 side is 24kHz.
	rtcSampleRate = 48000
	rtcFrameSize  = 960 // 20ms at 48kHz
	// Largest opus frame is 120ms.
	rtcDecodeBuf = 5760

	defaultSTUNServer = "stun:stun.l.google.com:19302"
)

// RTCConfig holds WebRTC session parameters. APIKey must be an ephemeral
// client secret minted by the token service, never a standard API key.
type RTCConfig struct {
	Config

	// EnableMicTrack publishes input audio as an opus media track instead
	// of data-channel appends.
	EnableMicTrack bool

	// STUNServers overrides the default STUN server list.
	STUNServers []string
}

func (c RTCConfig) withDefaults() RTCConfig {
	c.Config = c.Config.withDefaults()
	if c.BaseURL == "" {
		c.BaseURL = DefaultWebRTCURL
	}
	if len(c.STUNServers) == 0 {
		c.STUNServers = []string{defaultSTUNServer}
	}
	return c
}

// RTCSession is a Realtime API session over WebRTC. Events travel on the
// "oai-events" data channel; the model's audio arrives as an opus media
// track which is decoded and resampled into the same ServerEvent stream the
// WebSocket transport produces, so consumers cannot tell the transports
// apart.
type RTCSession struct {
	cfg RTCConfig

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	state  atomic.Int32
	events chan *ServerEvent
	done   chan struct{}

	// deliverMu fences every send on events against the close in shutdown.
	// The track pump runs on its own goroutine, so it is not serialized with
	// the data channel callbacks.
	deliverMu    sync.RWMutex
	eventsClosed bool
	shutdownOnce sync.Once

	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error

	micMu      sync.Mutex
	micTrack   *webrtc.TrackLocalStaticSample
	micEncoder *opus.Encoder
	micPending []int16 // 48kHz samples awaiting a full opus frame
}

var _ Session = (*RTCSession)(nil)

// DialWebRTC establishes a WebRTC session with the Realtime API.
func DialWebRTC(ctx context.Context, cfg RTCConfig) (*RTCSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s := &RTCSession{
		cfg:    cfg,
		events: make(chan *ServerEvent, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
	s.setState(StateConnecting)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: cfg.STUNServers},
		},
	})
	if err != nil {
		s.setState(StateDisconnected)
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc

	if cfg.EnableMicTrack {
		if err := s.attachMicTrack(); err != nil {
			pc.Close()
			s.setState(StateDisconnected)
			return nil, err
		}
	} else {
		_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			pc.Close()
			s.setState(StateDisconnected)
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
	}

	dc, err := pc.CreateDataChannel("oai-events", nil)
	if err != nil {
		pc.Close()
		s.setState(StateDisconnected)
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	s.dc = dc

	dcOpen := make(chan struct{})
	dc.OnOpen(func() {
		s.cfg.Logger.Debug("oai-events data channel open")
		close(dcOpen)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.handleDataChannelMessage(msg.Data)
	})
	dc.OnClose(func() {
		s.cfg.Logger.Debug("oai-events data channel closed")
		s.shutdown()
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		s.cfg.Logger.Debug("remote audio track", "codec", track.Codec().MimeType)
		go s.pumpRemoteTrack(track)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.cfg.Logger.Debug("peer connection state", "state", st.String())
		if st == webrtc.PeerConnectionStateFailed {
			s.fail(fmt.Errorf("peer connection failed"))
		}
	})

	if err := s.exchangeSDP(ctx); err != nil {
		pc.Close()
		s.setState(StateDisconnected)
		return nil, err
	}

	// The session is usable once the event channel opens.
	select {
	case <-dcOpen:
	case <-ctx.Done():
		pc.Close()
		s.setState(StateDisconnected)
		return nil, fmt.Errorf("waiting for data channel: %w", ctx.Err())
	case <-time.After(cfg.DialTimeout):
		pc.Close()
		s.setState(StateDisconnected)
		return nil, fmt.Errorf("waiting for data channel: %w", ErrTimeout)
	}

	s.setState(StateConnected)
	s.cfg.Logger.Info("realtime webrtc session connected", "model", cfg.Model)

	return s, nil
}

// exchangeSDP runs the offer/answer handshake against the Realtime API.
func (s *RTCSession) exchangeSDP(ctx context.Context) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	// Wait for ICE gathering so the offer carries all candidates.
	select {
	case <-webrtc.GatheringCompletePromise(s.pc):
	case <-ctx.Done():
		return ctx.Err()
	}

	endpoint := fmt.Sprintf("%s?model=%s", s.cfg.BaseURL, url.QueryEscape(s.cfg.Model))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		bytes.NewReader([]byte(s.pc.LocalDescription().SDP)))
	if err != nil {
		return fmt.Errorf("build sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("sdp exchange: status %d: %w", resp.StatusCode, ErrAuthFailure)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return fmt.Errorf("sdp exchange: unexpected status %d", resp.StatusCode)
	}

	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read sdp answer: %w", err)
	}

	err = s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(answer),
	})
	if err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (s *RTCSession) handleDataChannelMessage(data []byte) {
	ev, err := ParseServerEvent(data)
	if err != nil {
		s.cfg.Logger.Warn("dropping malformed server event", "error", err)
		return
	}

	if ev.Type == EventError && ev.Error != nil {
		s.cfg.Logger.Error("realtime api error",
			"code", ev.Error.Code,
			"message", ev.Error.Message,
		)
	}

	s.deliver(ev)
}

// deliver forwards one event to the consumer. All sends on s.events go
// through here, under the read lock, so shutdown's close cannot race a send.
func (s *RTCSession) deliver(ev *ServerEvent) {
	s.deliverMu.RLock()
	defer s.deliverMu.RUnlock()

	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// shutdown ends the event stream exactly once. done is closed first so
// blocked senders bail out; the channel itself is closed under the write
// lock, after every in-flight deliver has released its read lock.
func (s *RTCSession) shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.done)
		go func() {
			s.deliverMu.Lock()
			s.eventsClosed = true
			close(s.events)
			s.deliverMu.Unlock()
		}()
	})
}

// pumpRemoteTrack decodes the model's opus track into PCM16 at 24kHz and
// feeds it into the event stream as synthesized audio deltas.
func (s *RTCSession) pumpRemoteTrack(track *webrtc.TrackRemote) {
	decoder, err := opus.NewDecoder(rtcSampleRate, 1)
	if err != nil {
		s.fail(fmt.Errorf("create opus decoder: %w", err))
		return
	}

	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	frame48k := make([]int16, rtcDecodeBuf)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.cfg.Logger.Debug("remote track ended", "error", err)
			}
			return
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			s.cfg.Logger.Warn("bad rtp packet", "error", err)
			continue
		}
		if len(packet.Payload) == 0 {
			continue // DTX
		}

		samples, err := decoder.Decode(packet.Payload, frame48k)
		if err != nil || samples == 0 {
			continue
		}

		pcm24k := audioio.Resample(frame48k[:samples], rtcSampleRate, pcm.Realtime.SampleRate)

		s.deliver(&ServerEvent{
			Type:  EventResponseAudioDelta,
			Audio: pcm.Int16ToBytes(pcm24k),
		})
	}
}

// attachMicTrack publishes a local opus track for input audio.
func (s *RTCSession) attachMicTrack() error {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: rtcSampleRate,
		Channels:  1,
	}, "audio", "calmira-mic")
	if err != nil {
		return fmt.Errorf("create mic track: %w", err)
	}
	if _, err := s.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add mic track: %w", err)
	}

	encoder, err := opus.NewEncoder(rtcSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("create opus encoder: %w", err)
	}

	s.micTrack = track
	s.micEncoder = encoder
	return nil
}

// writeMic resamples 24kHz PCM16 to 48kHz, encodes full 20ms opus frames,
// and keeps the remainder for the next call.
func (s *RTCSession) writeMic(pcm16 []byte) error {
	samples24k, err := pcm.BytesToInt16(pcm16)
	if err != nil {
		return err
	}

	s.micMu.Lock()
	defer s.micMu.Unlock()

	s.micPending = append(s.micPending, audioio.Resample(samples24k, pcm.Realtime.SampleRate, rtcSampleRate)...)

	out := make([]byte, 1500)
	for len(s.micPending) >= rtcFrameSize {
		frame := s.micPending[:rtcFrameSize]
		s.micPending = s.micPending[rtcFrameSize:]

		n, err := s.micEncoder.Encode(frame, out)
		if err != nil {
			return fmt.Errorf("encode opus: %w", err)
		}
		if n == 0 {
			continue // DTX
		}

		err = s.micTrack.WriteSample(media.Sample{
			Data:     append([]byte(nil), out[:n]...),
			Duration: 20 * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("write mic sample: %w", err)
		}
	}
	return nil
}

// flushMic pads and sends any partial frame. Called on Commit.
func (s *RTCSession) flushMic() error {
	s.micMu.Lock()
	defer s.micMu.Unlock()

	if len(s.micPending) == 0 {
		return nil
	}

	frame := make([]int16, rtcFrameSize)
	copy(frame, s.micPending)
	s.micPending = s.micPending[:0]

	out := make([]byte, 1500)
	n, err := s.micEncoder.Encode(frame, out)
	if err != nil {
		return fmt.Errorf("encode opus: %w", err)
	}
	if n == 0 {
		return nil
	}
	return s.micTrack.WriteSample(media.Sample{
		Data:     append([]byte(nil), out[:n]...),
		Duration: 20 * time.Millisecond,
	})
}

func (s *RTCSession) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}

	s.errMu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("realtime: transport: %w", err)
	}
	s.errMu.Unlock()

	s.setState(StateDisconnected)
	s.cfg.Logger.Error("realtime webrtc session failed", "error", err)
	s.shutdown()
}

func (s *RTCSession) setState(st ConnectionState) {
	old := ConnectionState(s.state.Swap(int32(st)))
	if old != st && s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

// sendEvent marshals and sends one client event on the data channel.
func (s *RTCSession) sendEvent(ctx context.Context, event map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if s.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.dc.Send(data); err != nil {
		s.fail(fmt.Errorf("data channel send: %w", err))
		return fmt.Errorf("failed to send event: %w", err)
	}
	return nil
}

// Configure sends a session.update.
func (s *RTCSession) Configure(ctx context.Context, cfg SessionConfig) error {
	return s.sendEvent(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventSessionUpdate,
		"session":  cfg,
	})
}

// AppendAudio sends PCM16 input audio. With a mic track enabled the audio
// goes out as opus media; otherwise as a data-channel append event.
func (s *RTCSession) AppendAudio(ctx context.Context, pcm16 []byte) error {
	if len(pcm16) == 0 {
		return nil
	}
	if len(pcm16)%2 != 0 {
		return fmt.Errorf("append %d bytes: %w", len(pcm16), pcm.ErrMalformedAudio)
	}

	if s.micTrack != nil {
		if s.State() != StateConnected {
			return ErrNotConnected
		}
		return s.writeMic(pcm16)
	}

	return s.sendEvent(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventInputAudioBufferAppend,
		"audio":    base64.StdEncoding.EncodeToString(pcm16),
	})
}

// Commit signals end of input.
func (s *RTCSession) Commit(ctx context.Context) error {
	if s.micTrack != nil {
		if err := s.flushMic(); err != nil {
			return err
		}
	}
	return s.sendEvent(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventInputAudioBufferCommit,
	})
}

// ClearInput discards uncommitted input audio.
func (s *RTCSession) ClearInput(ctx context.Context) error {
	s.micMu.Lock()
	s.micPending = s.micPending[:0]
	s.micMu.Unlock()

	return s.sendEvent(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventInputAudioBufferClear,
	})
}

// CreateResponse asks the model to respond.
func (s *RTCSession) CreateResponse(ctx context.Context) error {
	return s.sendEvent(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventResponseCreate,
	})
}

// CancelResponse cancels an in-progress response.
func (s *RTCSession) CancelResponse(ctx context.Context) error {
	return s.sendEvent(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventResponseCancel,
	})
}

// Events returns the server event stream.
func (s *RTCSession) Events() <-chan *ServerEvent {
	return s.events
}

// State returns the current connection state.
func (s *RTCSession) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Err returns the first transport error.
func (s *RTCSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears down the session. Safe to call more than once.
func (s *RTCSession) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.shutdown()

		if s.dc != nil {
			s.dc.Close()
		}
		s.closeErr = s.pc.Close()

		s.setState(StateDisconnected)
		s.cfg.Logger.Info("realtime webrtc session closed")
	})
	return s.closeErr
}
