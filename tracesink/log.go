package tracesink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// LogSink writes one JSON document per line.
type LogSink struct {
	mut sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{w: w, enc: json.NewEncoder(w)}
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("write trace event: %w", err)
	}
	return nil
}

func (s *LogSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
