package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"speech-engine-bridge/internal/enginetest"
)

func streamingConfig() StreamingRecognitionConfig {
	return StreamingRecognitionConfig{Config: linear16Config(), InterimResults: true}
}

func recvAll(t *testing.T, s *Stream) ([]SpeechRecognitionResult, error) {
	t.Helper()
	var out []SpeechRecognitionResult
	for {
		resp, err := s.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, resp.Results...)
	}
}

func TestStreamOrderingAcrossSlots(t *testing.T) {
	utts := []enginetest.Utterance{
		{Partials: []string{"good", "good morning"}, Final: "good morning everyone"},
		{Partials: []string{"how"}, Final: "how are you"},
	}
	engine := enginetest.Start(t, enginetest.Recognizer(utts...))
	client := NewClient(WithAddress(engine.Addr()))

	s, err := client.StreamingRecognize(context.Background(), streamingConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State() != StateStreaming {
		t.Errorf("expected STREAMING, got %s", s.State())
	}
	for _, chunk := range [][]byte{[]byte("aaaa"), []byte("bbbb")} {
		if err := s.Send(chunk); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}

	results, err := recvAll(t, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []struct {
		index int
		final bool
		text  string
	}{
		{0, false, "good"},
		{0, false, "good morning"},
		{0, true, "good morning everyone"},
		{1, false, "how"},
		{1, true, "how are you"},
	}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i, w := range want {
		r := results[i]
		if r.ResultIndex != w.index || r.IsFinal != w.final || r.Transcript() != w.text {
			t.Errorf("result %d: expected %+v, got index=%d final=%v text=%q", i, w, r.ResultIndex, r.IsFinal, r.Transcript())
		}
	}
	if s.State() != StateDone {
		t.Errorf("expected DONE, got %s", s.State())
	}

	req := engine.Requests()[0]
	if req.Options["partial"] != true || req.Options["eof"] != "END-OF-FILE" {
		t.Errorf("expected partial and eof options, got %v", req.Options)
	}
	if string(req.Audio) != "aaaabbbb" {
		t.Errorf("expected audio in send order, got %q", req.Audio)
	}
}

func TestStreamFrameForClosedSlotFails(t *testing.T) {
	engine := enginetest.Start(t, func(s *enginetest.Session) {
		s.ReadAudio()
		s.Reply(enginetest.FinalReply(s, 0, enginetest.DefaultUtterances[0]))
		s.Reply(enginetest.PartialReply(0, "late"))
		s.WaitClosed(2 * time.Second)
	})
	client := NewClient(WithAddress(engine.Addr()))

	s, err := client.StreamingRecognize(context.Background(), streamingConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Send([]byte("audio"))
	s.CloseSend()

	// The final may or may not be observed before the failure is recorded.
	results, err := recvAll(t, s)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	for _, r := range results {
		if r.Transcript() == "late" {
			t.Error("expected frame for closed slot to be dropped")
		}
	}
	if s.State() != StateFailed {
		t.Errorf("expected FAILED, got %s", s.State())
	}
}

func TestStreamCancelAfterFirstPartial(t *testing.T) {
	closed := make(chan bool, 1)
	engine := enginetest.Start(t, func(s *enginetest.Session) {
		if _, err := s.ReadAtLeast(4); err != nil {
			return
		}
		s.Reply(enginetest.PartialReply(0, "greetings"))
		closed <- s.WaitClosed(2 * time.Second)
		// Anything written after the client went away must not surface.
		s.Reply(enginetest.FinalReply(s, 0, enginetest.DefaultUtterances[0]))
	})
	client := NewClient(WithAddress(engine.Addr()))

	s, err := client.StreamingRecognize(context.Background(), streamingConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Send([]byte("abcd")); err != nil {
		t.Fatalf("send: %v", err)
	}

	resp, err := s.Recv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Results[0].IsFinal || resp.Results[0].Transcript() != "greetings" {
		t.Fatalf("expected first partial, got %+v", resp.Results[0])
	}

	s.Cancel()

	if _, err := s.Recv(); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled after cancel, got %v", err)
	}
	if _, err := s.Recv(); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled to persist, got %v", err)
	}
	if s.State() != StateFailed {
		t.Errorf("expected FAILED, got %s", s.State())
	}
	if err := s.Send([]byte("more")); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected send after cancel to fail with ErrCancelled, got %v", err)
	}

	select {
	case ok := <-closed:
		if !ok {
			t.Error("expected engine to observe the connection closed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine never observed the close")
	}
}

func TestStreamContextCancel(t *testing.T) {
	engine := enginetest.Start(t, func(s *enginetest.Session) {
		s.WaitClosed(2 * time.Second)
	})
	client := NewClient(WithAddress(engine.Addr()))

	ctx, cancel := context.WithCancel(context.Background())
	s, err := client.StreamingRecognize(ctx, streamingConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()

	if _, err := s.Recv(); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestStreamSendAfterCloseSend(t *testing.T) {
	engine := enginetest.Start(t, func(s *enginetest.Session) {
		s.WaitClosed(2 * time.Second)
	})
	client := NewClient(WithAddress(engine.Addr()))

	s, err := client.StreamingRecognize(context.Background(), streamingConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	if err := s.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	if s.State() != StateDraining {
		t.Errorf("expected DRAINING, got %s", s.State())
	}
	if err := s.Send([]byte("late")); !errors.Is(err, ErrSendAfterClose) {
		t.Errorf("expected ErrSendAfterClose, got %v", err)
	}
	if err := s.CloseSend(); err != nil {
		t.Errorf("expected repeated CloseSend to be a no-op, got %v", err)
	}
}

func TestStreamInactivityTimeout(t *testing.T) {
	engine := enginetest.Start(t, func(s *enginetest.Session) {
		s.WaitClosed(2 * time.Second)
	})
	client := NewClient(WithAddress(engine.Addr()), WithInactivityTimeout(50*time.Millisecond))

	s, err := client.StreamingRecognize(context.Background(), streamingConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Recv(); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestStreamRejectsInvalidConfig(t *testing.T) {
	client := NewClient(WithAddress("127.0.0.1:1"))
	cfg := streamingConfig()
	cfg.Config.SampleRateHertz = Int32(44100)

	_, err := client.StreamingRecognize(context.Background(), cfg)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "sample_rate_hertz" {
		t.Errorf("expected sample_rate_hertz validation error, got %v", err)
	}
}

func TestStreamingRecognizeChunks(t *testing.T) {
	engine := enginetest.Start(t, enginetest.Recognizer())
	client := NewClient(WithAddress(engine.Addr()))

	chunks := make(chan []byte, 3)
	chunks <- []byte("one-")
	chunks <- []byte("two-")
	chunks <- []byte("three")
	close(chunks)

	cfg := streamingConfig()
	cfg.InterimResults = false
	s, err := client.StreamingRecognizeChunks(context.Background(), cfg, chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := CollectFinals(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Transcript() != "greetings world" {
		t.Errorf("expected 'greetings world', got %q", resp.Transcript())
	}
	if got := string(engine.Requests()[0].Audio); got != "one-two-three" {
		t.Errorf("expected concatenated chunks, got %q", got)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "CONNECTING"},
		{StateSendingConfig, "SENDING_CONFIG"},
		{StateStreaming, "STREAMING"},
		{StateDraining, "DRAINING"},
		{StateDone, "DONE"},
		{StateFailed, "FAILED"},
		{State(99), "UNKNOWN(99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
	if StateStreaming.IsTerminal() || !StateDone.IsTerminal() || !StateFailed.IsTerminal() {
		t.Error("unexpected IsTerminal result")
	}
}

func TestStreamBackpressureBounded(t *testing.T) {
	const partials = 5000
	engine := enginetest.Start(t, func(s *enginetest.Session) {
		if _, err := s.ReadAudio(); err != nil {
			return
		}
		s.Reply(map[string]any{"status": "processing"})
		for i := 0; i < partials; i++ {
			if err := s.Reply(enginetest.PartialReply(0, fmt.Sprintf("p%d", i))); err != nil {
				return
			}
		}
		s.Reply(enginetest.FinalReply(s, 0, enginetest.Utterance{Final: "done"}))
		s.Reply(map[string]any{"status": "completed"})
	})
	client := NewClient(WithAddress(engine.Addr()), WithResultBuffer(4))

	s, err := client.StreamingRecognize(context.Background(), streamingConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	s.Send([]byte("audio"))
	s.CloseSend()

	deadline := time.Now().Add(5 * time.Second)
	for len(s.results) < cap(s.results) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if cap(s.results) != 4 {
		t.Fatalf("expected result queue capacity 4, got %d", cap(s.results))
	}
	if n := len(s.results); n > 4 {
		t.Errorf("expected at most 4 queued results, got %d", n)
	}

	results, err := recvAll(t, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != partials+1 {
		t.Fatalf("expected %d results, got %d", partials+1, len(results))
	}
	for i := 0; i < partials; i++ {
		if want := fmt.Sprintf("p%d", i); results[i].Transcript() != want {
			t.Fatalf("result %d: expected %q, got %q", i, want, results[i].Transcript())
		}
	}
	if last := results[partials]; !last.IsFinal || last.Transcript() != "done" {
		t.Errorf("expected final 'done' last, got %+v", last)
	}
}

func TestStreamEngineFailure(t *testing.T) {
	engine := enginetest.Start(t, func(s *enginetest.Session) {
		if _, err := s.ReadAudio(); err != nil {
			return
		}
		s.Reply(enginetest.PartialReply(0, "greetings"))
		s.Reply(map[string]any{"status": "failed", "error": "bad rate"})
		s.WaitClosed(2 * time.Second)
	})
	client := NewClient(WithAddress(engine.Addr()))

	s, err := client.StreamingRecognize(context.Background(), streamingConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Send([]byte("audio"))
	s.CloseSend()

	_, err = recvAll(t, s)
	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected *EngineError, got %v", err)
	}
	if engineErr.Message != "bad rate" {
		t.Errorf("expected message 'bad rate', got %q", engineErr.Message)
	}
	if s.State() != StateFailed {
		t.Errorf("expected FAILED, got %s", s.State())
	}
	if !errors.Is(s.Err(), ErrEngine) {
		t.Errorf("expected Err to match ErrEngine, got %v", s.Err())
	}
}
