// Package enginetest provides a scripted in-process recognition engine for
// tests. It speaks the engine's line-delimited JSON protocol on a loopback
// TCP listener and simulates realistic behavior: progressive partial
// transcripts followed by exactly one final per utterance.
package enginetest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// Utterance is one scripted utterance.
type Utterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence of the final
}

// DefaultUtterances is the script used by Recognizer when none is given.
var DefaultUtterances = []Utterance{
	{
		Partials:   []string{"greetings"},
		Final:      "greetings world",
		Confidence: 0.94,
	},
}

// Request is what the engine received on one connection.
type Request struct {
	Options    map[string]any
	RawOptions []byte
	Audio      []byte
}

// Handler scripts one connection. The options line has already been read
// when it runs.
type Handler func(s *Session)

// Engine is a fake engine listening on 127.0.0.1.
type Engine struct {
	ln      net.Listener
	handler Handler

	mu       sync.Mutex
	requests []*Request
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// Start launches an engine serving h and stops it when the test ends.
func Start(t testing.TB, h Handler) *Engine {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("enginetest: listen: %v", err)
	}
	e := &Engine{ln: ln, handler: h, conns: make(map[net.Conn]struct{})}
	e.wg.Add(1)
	go e.serve()
	t.Cleanup(e.Close)
	return e
}

// Addr returns the host:port the engine listens on.
func (e *Engine) Addr() string {
	return e.ln.Addr().String()
}

// Requests returns a copy of every request received so far.
func (e *Engine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, 0, len(e.requests))
	for _, r := range e.requests {
		out = append(out, Request{
			Options:    r.Options,
			RawOptions: append([]byte(nil), r.RawOptions...),
			Audio:      append([]byte(nil), r.Audio...),
		})
	}
	return out
}

// Close stops accepting connections, drops open ones and waits for
// running handlers.
func (e *Engine) Close() {
	e.ln.Close()
	e.mu.Lock()
	e.closed = true
	for nc := range e.conns {
		nc.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) serve() {
	defer e.wg.Done()
	for {
		nc, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			nc.Close()
			return
		}
		e.conns[nc] = struct{}{}
		e.wg.Add(1)
		e.mu.Unlock()
		go func() {
			defer e.wg.Done()
			defer func() {
				nc.Close()
				e.mu.Lock()
				delete(e.conns, nc)
				e.mu.Unlock()
			}()
			s := &Session{conn: nc, r: bufio.NewReader(nc), engine: e}
			if err := s.readOptions(); err != nil {
				return
			}
			e.handler(s)
		}()
	}
}

// Session is one client connection.
type Session struct {
	conn   net.Conn
	r      *bufio.Reader
	engine *Engine
	req    *Request
}

// Options returns the decoded options line.
func (s *Session) Options() map[string]any {
	return s.req.Options
}

// Partial reports whether the client asked for partial results.
func (s *Session) Partial() bool {
	v, _ := s.req.Options["partial"].(bool)
	return v
}

// IntOption returns a numeric option, or 0 when it is absent.
func (s *Session) IntOption(name string) int {
	v, _ := s.req.Options[name].(float64)
	return int(v)
}

// BoolOption returns a boolean option, or false when it is absent.
func (s *Session) BoolOption(name string) bool {
	v, _ := s.req.Options[name].(bool)
	return v
}

func (s *Session) readOptions() error {
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		return err
	}
	line = bytes.TrimRight(line, "\n")
	opts := map[string]any{}
	if err := json.Unmarshal(line, &opts); err != nil {
		s.Reply(map[string]any{"status": "failed", "error": "Invalid JSON options: " + err.Error()})
		return err
	}
	s.req = &Request{Options: opts, RawOptions: line}
	s.engine.mu.Lock()
	s.engine.requests = append(s.engine.requests, s.req)
	s.engine.mu.Unlock()
	return nil
}

// ReadAudio reads the whole audio payload: content-length bytes when that
// option is set, otherwise everything up to the eof sequence, which is
// stripped.
func (s *Session) ReadAudio() ([]byte, error) {
	if n := s.IntOption("content-length"); n > 0 {
		buf := make([]byte, n)
		if _, err := io.ReadFull(s.r, buf); err != nil {
			return nil, err
		}
		s.record(buf)
		return buf, nil
	}

	eof, _ := s.req.Options["eof"].(string)
	if eof == "" {
		eof = "END-OF-FILE"
	}
	var audio []byte
	chunk := make([]byte, 4096)
	for {
		n, err := s.r.Read(chunk)
		audio = append(audio, chunk[:n]...)
		if i := bytes.Index(audio, []byte(eof)); i >= 0 {
			s.record(audio[:i])
			return audio[:i], nil
		}
		if err != nil {
			s.record(audio)
			return audio, err
		}
	}
}

// ReadAtLeast reads at least n audio bytes and returns what it read.
func (s *Session) ReadAtLeast(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, err
	}
	s.record(buf)
	return buf, nil
}

func (s *Session) record(audio []byte) {
	s.engine.mu.Lock()
	s.req.Audio = append(s.req.Audio, audio...)
	s.engine.mu.Unlock()
}

// Reply writes v as one JSON line.
func (s *Session) Reply(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(append(b, '\n'))
	return err
}

// WriteRaw writes raw bytes without framing.
func (s *Session) WriteRaw(raw string) error {
	_, err := io.WriteString(s.conn, raw)
	return err
}

// Close closes the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// WaitClosed reports whether the client closed the connection within
// timeout. Audio still arriving is discarded.
func (s *Session) WaitClosed(timeout time.Duration) bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	_, err := io.Copy(io.Discard, s.r)
	if err == nil {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	return true
}

// Recognizer returns a handler that reads the whole audio and then plays
// utts (DefaultUtterances when empty) honoring the partial,
// transcript-formatted, word-intervals, word-confidence,
// transcript-alternatives and phrase-alternatives options.
func Recognizer(utts ...Utterance) Handler {
	if len(utts) == 0 {
		utts = DefaultUtterances
	}
	return func(s *Session) {
		if _, err := s.ReadAudio(); err != nil {
			return
		}
		s.Reply(map[string]any{"status": "processing"})
		for i, u := range utts {
			if s.Partial() {
				for _, p := range u.Partials {
					s.Reply(PartialReply(i, p))
				}
			}
			s.Reply(FinalReply(s, i, u))
		}
		s.Reply(map[string]any{"status": "completed"})
	}
}

// PartialReply builds a partial result frame.
func PartialReply(index int, text string) map[string]any {
	return map[string]any{
		"result_index": index,
		"final":        false,
		"transcript":   text,
	}
}

// FinalReply builds a final result frame for u honoring the session's
// options. Each word lasts half a second.
func FinalReply(s *Session, index int, u Utterance) map[string]any {
	words := strings.Fields(u.Final)
	start := float64(index) * 10
	end := start + 0.5*float64(len(words))

	reply := map[string]any{
		"result_index": index,
		"final":        true,
		"transcript":   u.Final,
		"interval":     []float64{start, end},
	}
	if s.BoolOption("transcript-formatted") {
		reply["transcript_formatted"] = formatted(u.Final)
	}
	if n := s.IntOption("transcript-alternatives"); n > 0 {
		alts := make([]map[string]any, 0, n)
		for k := 0; k < n; k++ {
			text := u.Final
			if k > 0 {
				text = strings.Repeat("uh ", k) + u.Final
			}
			alts = append(alts, map[string]any{
				"transcript": text,
				"confidence": u.Confidence / float64(k+1),
			})
		}
		reply["alternatives"] = alts
	}
	if s.BoolOption("word-intervals") || s.BoolOption("word-confidence") {
		ws := make([]map[string]any, 0, len(words))
		for k, w := range words {
			entry := map[string]any{"word": w}
			if s.BoolOption("word-intervals") {
				entry["interval"] = []float64{start + 0.5*float64(k), start + 0.5*float64(k+1)}
			}
			if s.BoolOption("word-confidence") {
				entry["confidence"] = u.Confidence
			}
			ws = append(ws, entry)
		}
		reply["words"] = ws
	}
	if s.IntOption("phrase-alternatives") > 0 {
		phrases := make([]map[string]any, 0, len(words))
		for k, w := range words {
			phrases = append(phrases, map[string]any{
				"phrase":   w,
				"interval": []float64{start + 0.5*float64(k), start + 0.5*float64(k+1)},
				"alternatives": []map[string]any{
					{"phrase": w},
				},
			})
		}
		reply["phrases"] = phrases
	}
	return reply
}

func formatted(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:] + "."
}
