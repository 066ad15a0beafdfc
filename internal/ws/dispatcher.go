package ws

import (
	"context"

	"github.com/craftlink/chat-service/internal/logger"
)

// dispatch hands one inbound data frame to the connection's session under a
// per-frame deadline. Send commands can decode and upload media, so the
// budget comes from FrameTimeout rather than the socket read timeout.
//
// Sessions report only fatal errors (frames that are not valid JSON); those
// terminate the connection. Everything else — unknown commands, rejected
// operations, media failures — is answered in-band by the session and keeps
// the socket open.
func (s *Server) dispatch(c *Connection, data []byte) {
	ctx := context.Background()
	if s.config.FrameTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.FrameTimeout)
		defer cancel()
	}

	if err := c.Session.HandleFrame(ctx, data); err != nil {
		logger.Component("ws").Warn().Err(err).Str("conn", c.ID).Msg("undecodable frame, closing connection")
		s.RemoveConnection(c)
		return
	}

	if s.presence != nil {
		if err := s.presence.Touch(ctx, c.ID); err != nil {
			logger.Component("ws").Warn().Err(err).Str("conn", c.ID).Msg("presence touch failed")
		}
	}
}
