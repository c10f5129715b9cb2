package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/albertbausili/celeris-h3/internal/h3/frame"
	"github.com/albertbausili/celeris-h3/internal/h3/stream"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// ControlState is the state of the peer's control stream.
type ControlState int32

// Control stream states
const (
	ControlOpened ControlState = iota
	ControlAwaitingSettings
	ControlSettingsReceived
	ControlClosed
)

func (s ControlState) String() string {
	switch s {
	case ControlOpened:
		return "opened"
	case ControlAwaitingSettings:
		return "awaiting-settings"
	case ControlSettingsReceived:
		return "settings-received"
	case ControlClosed:
		return "closed"
	}
	return fmt.Sprintf("ControlState(%d)", int32(s))
}

var errGoAwayIncreased = errors.New("h3: GOAWAY id may not increase")

// controlSender owns the local control stream.
type controlSender struct {
	s *stream.Stream

	mu         sync.Mutex
	goAwaySent bool
	lastGoAway uint64
}

func (cs *controlSender) sendGoAway(id uint64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.goAwaySent && id > cs.lastGoAway {
		return fmt.Errorf("%w: %d after %d", errGoAwayIncreased, id, cs.lastGoAway)
	}
	if err := cs.s.FrameWriter().WriteGoAway(id); err != nil {
		return err
	}
	if err := cs.s.Flush(); err != nil {
		return err
	}
	cs.goAwaySent, cs.lastGoAway = true, id
	return nil
}

func (c *Connection) localSettings() frame.Settings {
	s := frame.Settings{
		frame.SettingMaxFieldSectionSize:   c.cfg.MaxFieldSectionSize,
		frame.SettingQPACKMaxTableCapacity: 0,
		frame.SettingQPACKBlockedStreams:   0,
	}
	if c.cfg.EnableConnectProtocol {
		s[frame.SettingEnableConnectProtocol] = 1
	}
	return s
}

// openUni opens a local unidirectional stream and writes its type.
func (c *Connection) openUni(ctx context.Context, typ frame.StreamType, kind stream.Kind) (*stream.Stream, error) {
	ss, err := c.tc.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	s := stream.New(c.ctx, stream.Attach{
		ID:        ss.StreamID(),
		Direction: stream.DirectionWrite,
		Kind:      kind,
		Send:      ss,
	}, c.codes)
	if err := s.FrameWriter().WriteStreamType(typ); err != nil {
		return nil, err
	}
	c.registry.Insert(s)
	return s, nil
}

// openControl opens the local control stream and sends SETTINGS.
func (c *Connection) openControl(ctx context.Context) error {
	s, err := c.openUni(ctx, frame.StreamTypeControl, stream.KindControl)
	if err != nil {
		return err
	}
	if err := s.FrameWriter().WriteSettings(c.localSettings()); err != nil {
		return err
	}
	if err := s.Flush(); err != nil {
		return err
	}
	c.control = &controlSender{s: s}
	return nil
}

// openQPACKStreams announces the encoder and decoder streams. With a zero
// table capacity nothing is ever written on them, but they must stay open.
func (c *Connection) openQPACKStreams(ctx context.Context) error {
	for _, st := range []struct {
		typ  frame.StreamType
		kind stream.Kind
	}{
		{frame.StreamTypeQPACKEncoder, stream.KindEncoder},
		{frame.StreamTypeQPACKDecoder, stream.KindDecoder},
	} {
		s, err := c.openUni(ctx, st.typ, st.kind)
		if err != nil {
			return err
		}
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// ControlState returns the state of the peer's control stream.
func (c *Connection) ControlState() ControlState {
	return ControlState(c.controlState.Load())
}

func (c *Connection) setControlState(s ControlState) {
	c.controlState.Store(int32(s))
}

// serveControl processes the peer's control stream until it fails. Every
// error it returns is connection-level.
func (c *Connection) serveControl(s *stream.Stream) *ConnectionError {
	c.setControlState(ControlAwaitingSettings)
	defer c.setControlState(ControlClosed)

	fr := s.Frames()
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			return c.controlReadError(err)
		}
		if cerr := c.handleControlFrame(f); cerr != nil {
			return cerr
		}
	}
}

func (c *Connection) controlReadError(err error) *ConnectionError {
	if c.closing() {
		return nil
	}
	var te *transport.StreamError
	var tce *transport.ConnectionError
	switch {
	case errors.As(err, &tce):
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, frame.ErrTruncatedFrame):
		return connError(ErrCodeClosedCriticalStream, "control stream closed")
	case errors.As(err, &te):
		return connError(ErrCodeClosedCriticalStream, "control stream reset with 0x%x", uint64(te.Code))
	case errors.Is(err, frame.ErrFrameTooLarge):
		return connError(ErrCodeExcessiveLoad, "%v", err)
	case errors.Is(err, frame.ErrMalformedFrame):
		return connError(ErrCodeFrameError, "%v", err)
	}
	return connError(ErrCodeInternalError, "control stream: %v", err)
}

func (c *Connection) handleControlFrame(f frame.Frame) *ConnectionError {
	state := c.ControlState()
	if state == ControlAwaitingSettings && f.Type != frame.FrameSettings {
		return connError(ErrCodeMissingSettings, "first control frame is %s", f.Type)
	}

	switch f.Type {
	case frame.FrameSettings:
		if state == ControlSettingsReceived {
			return connError(ErrCodeFrameUnexpected, "second SETTINGS frame")
		}
		settings, err := frame.ParseSettings(f.Payload)
		if err != nil {
			return connError(ErrCodeSettingsError, "%v", err)
		}
		if err := validateSettings(settings); err != nil {
			return connError(ErrCodeSettingsError, "%v", err)
		}
		c.applySettings(settings)
		c.setControlState(ControlSettingsReceived)

	case frame.FrameGoAway:
		id, err := frame.ParseGoAway(f.Payload)
		if err != nil {
			return connError(ErrCodeFrameError, "GOAWAY: %v", err)
		}
		return c.handlePeerGoAway(id)

	case frame.FrameMaxPushID:
		id, err := parseSingleVarint(f.Payload)
		if err != nil {
			return connError(ErrCodeFrameError, "MAX_PUSH_ID: %v", err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.hasMaxPushID && id < c.maxPushID {
			return connError(ErrCodeIDError, "MAX_PUSH_ID reduced from %d to %d", c.maxPushID, id)
		}
		c.maxPushID, c.hasMaxPushID = id, true

	case frame.FrameCancelPush:
		// no push is ever promised, so there is nothing to cancel
		if _, err := parseSingleVarint(f.Payload); err != nil {
			return connError(ErrCodeFrameError, "CANCEL_PUSH: %v", err)
		}

	case frame.FrameData, frame.FrameHeaders, frame.FramePushPromise:
		return connError(ErrCodeFrameUnexpected, "%s on control stream", f.Type)

	default:
		if frame.IsReservedHTTP2(f.Type) {
			return connError(ErrCodeFrameUnexpected, "reserved frame type %s", f.Type)
		}
	}
	return nil
}

func validateSettings(s frame.Settings) error {
	for _, id := range []frame.SettingID{frame.SettingEnableConnectProtocol, frame.SettingH3Datagram} {
		if v, ok := s[id]; ok && v > 1 {
			return fmt.Errorf("%s must be 0 or 1, got %d", id, v)
		}
	}
	return nil
}

func (c *Connection) applySettings(s frame.Settings) {
	c.mu.Lock()
	c.peerSettings = s
	c.mu.Unlock()
	c.settingsOnce.Do(func() { close(c.settingsReady) })
	c.logger.Debug("peer settings applied",
		zap.Uint64("max_field_section_size", s.Get(frame.SettingMaxFieldSectionSize, 0)),
		zap.Int("count", len(s)))
}

func (c *Connection) handlePeerGoAway(id uint64) *ConnectionError {
	c.mu.Lock()
	if c.peerGoAway && id > c.peerGoAwayID {
		prev := c.peerGoAwayID
		c.mu.Unlock()
		return connError(ErrCodeIDError, "GOAWAY id %d exceeds previous %d", id, prev)
	}
	c.peerGoAway, c.peerGoAwayID = true, id
	c.mu.Unlock()
	c.logger.Info("peer sent GOAWAY", zap.Uint64("last_stream", id))
	return nil
}

func parseSingleVarint(payload []byte) (uint64, error) {
	v, n, err := frame.TryReadVarint(payload)
	if err != nil || n != len(payload) {
		return 0, frame.ErrMalformedFrame
	}
	return v, nil
}
