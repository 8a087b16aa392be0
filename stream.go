package quotapool

import (
	"errors"
	"io"
	"time"
)

// Stream wraps a ProviderStream and settles the backend's context budget on
// Close.
type Stream struct {
	inner      ProviderStream
	client     *Client
	backend    *Backend
	routing    Routing
	startTime  time.Time
	totalUsage Usage
	closed     bool
	streamErr  error // first error encountered during streaming
}

// Routing describes the backend serving the stream. ContextFull is only
// meaningful after Close.
func (s *Stream) Routing() Routing { return s.routing }

// Next returns the next chunk from the stream.
func (s *Stream) Next() (StreamChunk, error) {
	chunk, err := s.inner.Next()
	if err != nil {
		if s.streamErr == nil {
			s.streamErr = err
		}
		return chunk, err
	}

	// Usage arrives on the final chunk.
	if chunk.Usage != nil {
		s.totalUsage = *chunk.Usage
	}

	return chunk, nil
}

// Close releases the stream. On a clean end of stream the completion tokens
// are added to the backend's context budget; otherwise the failure is
// recorded against the backend's health.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.inner.Close()
	duration := time.Since(s.startTime)

	// io.EOF is the normal end of stream, not an error.
	if s.streamErr == nil || errors.Is(s.streamErr, io.EOF) {
		s.routing.ContextFull = s.client.commit(s.backend, s.routing, s.totalUsage, duration)
		return err
	}

	s.client.health.RecordFailure(s.backend.id)
	s.client.meter.OnResult(ResultEvent{
		RequestID: s.routing.RequestID,
		Backend:   s.routing.Backend,
		Provider:  s.routing.Provider,
		Model:     s.routing.Model,
		Success:   false,
		Duration:  duration,
		Usage:     s.totalUsage,
		Context:   s.backend.limiter.ContextUsage(),
		Error:     s.streamErr,
	})

	return err
}
