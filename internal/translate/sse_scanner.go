package translate

import (
	"bytes"
	"encoding/json"
)

// sseEvent is one complete SSE frame extracted from the line buffer.
type sseEvent struct {
	event string
	data  []byte
}

// sseLineScanner extracts complete "event: X\ndata: Y\n\n" frames from a
// byte stream fed in arbitrary chunks, buffering incomplete trailing lines
// across calls — the same incremental-line idiom as internal/sse, reused
// here for the streaming translator's own line buffer.
type sseLineScanner struct {
	buf      []byte
	curEvent string
	curData  bytes.Buffer
}

func newSSELineScanner() *sseLineScanner {
	return &sseLineScanner{}
}

func (s *sseLineScanner) feed(chunk []byte) []sseEvent {
	s.buf = append(s.buf, chunk...)

	var events []sseEvent
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := s.buf[:idx]
		s.buf = s.buf[idx+1:]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}

		switch {
		case len(line) == 0:
			if s.curData.Len() > 0 {
				events = append(events, sseEvent{event: s.curEvent, data: append([]byte(nil), s.curData.Bytes()...)})
			}
			s.curEvent = ""
			s.curData.Reset()
		case bytes.HasPrefix(line, []byte("event:")):
			s.curEvent = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			if s.curData.Len() > 0 {
				s.curData.WriteByte('\n')
			}
			s.curData.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}
	}
	return events
}

func sjsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
