package wire

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
)

func intPtr(v int) *int { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Options
	}{
		{
			name: "batch command",
			in: Options{
				Command:                CommandRecognize,
				Format:                 FormatRaw,
				Encoding:               EncodingPCMS16LE,
				Rate:                   16000,
				ContentLength:          32000,
				TranscriptFormatted:    true,
				WordIntervals:          true,
				TranscriptAlternatives: 3,
			},
		},
		{
			name: "streaming command with eof",
			in: Options{
				Command:            CommandRecognize,
				Format:             FormatRaw,
				Encoding:           EncodingMuLaw,
				Rate:               8000,
				Partial:            true,
				EOF:                "line one\nline two",
				PhraseAlternatives: 5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewEncoder(&buf).Encode(tt.in); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n := strings.Count(buf.String(), "\n"); n != 1 {
				t.Fatalf("expected exactly one newline, got %d in %q", n, buf.String())
			}

			var out Options
			if err := NewDecoder(&buf, 0).Decode(&out); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(tt.in, out) {
				t.Errorf("expected %+v, got %+v", tt.in, out)
			}
		})
	}
}

func TestDecoderSplitReads(t *testing.T) {
	stream := `{"status":"processing"}` + "\n" +
		`{"result_index":0,"final":false,"transcript":"greetings"}` + "\n" +
		"\n" +
		`{"result_index":0,"final":true,"transcript":"greetings world","alternatives":[{"transcript":"greetings world","confidence":0.9}]}` + "\n" +
		`{"status":"completed"}` + "\n"

	readAll := func(r io.Reader) []Reply {
		t.Helper()
		dec := NewDecoder(r, 0)
		var replies []Reply
		for {
			var rep Reply
			err := dec.Decode(&rep)
			if errors.Is(err, io.EOF) {
				return replies
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			replies = append(replies, rep)
		}
	}

	whole := readAll(strings.NewReader(stream))
	split := readAll(iotest.OneByteReader(strings.NewReader(stream)))
	half := readAll(iotest.HalfReader(strings.NewReader(stream)))

	if len(whole) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(whole))
	}
	if !reflect.DeepEqual(whole, split) {
		t.Errorf("one-byte reads produced different frames:\n%+v\n%+v", whole, split)
	}
	if !reflect.DeepEqual(whole, half) {
		t.Errorf("half reads produced different frames:\n%+v\n%+v", whole, half)
	}

	want := Reply{
		ResultIndex:  intPtr(0),
		Final:        true,
		Transcript:   "greetings world",
		Alternatives: []Alternative{{Transcript: "greetings world", Confidence: floatPtr(0.9)}},
	}
	if !reflect.DeepEqual(whole[2], want) {
		t.Errorf("expected %+v, got %+v", want, whole[2])
	}
}

func TestDecoderMalformedFrame(t *testing.T) {
	dec := NewDecoder(strings.NewReader("{\"status\":\"processing\"}\nnot json\n{\"status\":\"completed\"}\n"), 0)

	var rep Reply
	if err := dec.Decode(&rep); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := dec.Decode(&rep)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if err := dec.Decode(&rep); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected decoder to stay failed, got %v", err)
	}
}

func TestDecoderPartialFrameAtEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader("{\"status\":\"processing\"}\n{\"result_ind"), 0)

	if _, err := dec.Next(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := dec.Next(); !errors.Is(err, ErrEngineDisconnected) {
		t.Errorf("expected ErrEngineDisconnected, got %v", err)
	}
}

func TestDecoderCleanEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader("{\"status\":\"completed\"}\n  \n"), 0)

	if _, err := dec.Next(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestDecoderFrameTooLong(t *testing.T) {
	line := `{"transcript":"` + strings.Repeat("a", 512) + `"}` + "\n"
	dec := NewDecoder(strings.NewReader(line), 128)

	if _, err := dec.Next(); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestEncodeRawCompacts(t *testing.T) {
	var buf bytes.Buffer
	raw := []byte("{\n  \"command\": \"recognize\",\n  \"partial\": true\n}")
	if err := NewEncoder(&buf).EncodeRaw(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"command":"recognize","partial":true}` + "\n"
	if buf.String() != want {
		t.Errorf("expected %q, got %q", want, buf.String())
	}
}
