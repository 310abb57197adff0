package speech

import (
	"fmt"
	"time"

	"speech-engine-bridge/pkg/speech/wire"
)

// slotState is the lifecycle of one utterance slot.
//
//	OPEN ──partial──→ OPEN
//	OPEN ──final────→ FINAL (terminal)
type slotState int

const (
	slotOpen slotState = iota
	slotFinal
)

func (s slotState) String() string {
	switch s {
	case slotOpen:
		return "OPEN"
	case slotFinal:
		return "FINAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Assembler turns engine replies into recognition results. It keeps one
// slot per result index: a partial replaces the previous partial of its
// slot and a final closes the slot for good. It is not safe for concurrent
// use; each connection owns one.
type Assembler struct {
	cfg      RecognitionConfig
	slots    map[int]slotState
	partials map[int]SpeechRecognitionResult
	finals   []SpeechRecognitionResult
	next     int
}

// NewAssembler returns an assembler that only attaches the optional
// result fields cfg asked for.
func NewAssembler(cfg RecognitionConfig) *Assembler {
	return &Assembler{
		cfg:      cfg,
		slots:    make(map[int]slotState),
		partials: make(map[int]SpeechRecognitionResult),
	}
}

// Apply folds one reply into the assembler. It returns the result carried
// by the reply, or nil for status-only replies. A reply for a slot that
// already produced its final is a protocol error.
func (a *Assembler) Apply(r *wire.Reply) (*SpeechRecognitionResult, error) {
	if r == nil || !r.IsResult() {
		return nil, nil
	}

	slot := a.next
	if r.ResultIndex != nil {
		slot = *r.ResultIndex
	}
	if slot < 0 {
		return nil, fmt.Errorf("speech: %w: negative result index %d", ErrProtocol, slot)
	}
	if state, ok := a.slots[slot]; ok && state == slotFinal {
		return nil, fmt.Errorf("speech: %w: frame for closed utterance slot %d", ErrProtocol, slot)
	}

	res := a.build(slot, r)
	if r.Final {
		a.slots[slot] = slotFinal
		delete(a.partials, slot)
		a.finals = append(a.finals, res)
		if slot >= a.next {
			a.next = slot + 1
		}
	} else {
		a.slots[slot] = slotOpen
		a.partials[slot] = res
	}
	return &res, nil
}

// Partial returns the latest partial of an open slot.
func (a *Assembler) Partial(slot int) (SpeechRecognitionResult, bool) {
	res, ok := a.partials[slot]
	return res, ok
}

// Finals returns the final results in the order they were emitted.
func (a *Assembler) Finals() []SpeechRecognitionResult {
	out := make([]SpeechRecognitionResult, len(a.finals))
	copy(out, a.finals)
	return out
}

// OpenSlots returns the number of slots still waiting for a final.
func (a *Assembler) OpenSlots() int {
	return len(a.partials)
}

func (a *Assembler) build(slot int, r *wire.Reply) SpeechRecognitionResult {
	res := SpeechRecognitionResult{
		ResultIndex: slot,
		IsFinal:     r.Final,
	}
	if len(r.Interval) == 2 {
		end := seconds(r.Interval[1])
		res.ResultEndTime = &end
	}

	if len(r.Alternatives) > 0 {
		res.Alternatives = make([]SpeechRecognitionAlternative, 0, len(r.Alternatives))
		for _, alt := range r.Alternatives {
			res.Alternatives = append(res.Alternatives, SpeechRecognitionAlternative{
				Transcript: a.pick(alt.Transcript, alt.TranscriptFormatted),
				Confidence: copyFloat(alt.Confidence),
			})
		}
		// N-best lists carry plain text only; the formatted top hypothesis
		// comes from the reply itself.
		if a.cfg.EnableAutomaticPunctuation && r.TranscriptFormatted != "" && r.Alternatives[0].TranscriptFormatted == "" {
			res.Alternatives[0].Transcript = r.TranscriptFormatted
		}
	} else {
		res.Alternatives = []SpeechRecognitionAlternative{{
			Transcript: a.pick(r.Transcript, r.TranscriptFormatted),
		}}
	}

	if a.cfg.EnableWordTimeOffsets || a.cfg.EnableWordConfidence {
		res.Alternatives[0].Words = a.words(r.Words)
	}
	if a.cfg.MaxPhraseAlternatives != nil && len(r.Phrases) > 0 {
		res.Phrases = phrases(r.Phrases)
	}
	return res
}

func (a *Assembler) pick(plain, formatted string) string {
	if a.cfg.EnableAutomaticPunctuation && formatted != "" {
		return formatted
	}
	return plain
}

func (a *Assembler) words(in []wire.Word) []WordInfo {
	if len(in) == 0 {
		return nil
	}
	out := make([]WordInfo, 0, len(in))
	for _, w := range in {
		info := WordInfo{Word: w.Word}
		if a.cfg.EnableWordTimeOffsets && len(w.Interval) == 2 {
			start, end := seconds(w.Interval[0]), seconds(w.Interval[1])
			info.StartTime, info.EndTime = &start, &end
		}
		if a.cfg.EnableWordConfidence {
			info.Confidence = copyFloat(w.Confidence)
		}
		out = append(out, info)
	}
	return out
}

func phrases(in []wire.Phrase) []Phrase {
	out := make([]Phrase, 0, len(in))
	for _, p := range in {
		ph := Phrase{Phrase: p.Phrase}
		if len(p.Interval) == 2 {
			ph.StartTime, ph.EndTime = seconds(p.Interval[0]), seconds(p.Interval[1])
		}
		for _, alt := range p.Alternatives {
			ph.Alternatives = append(ph.Alternatives, PhraseAlternative{
				Phrase:     alt.Phrase,
				Confidence: copyFloat(alt.Confidence),
			})
		}
		out = append(out, ph)
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
