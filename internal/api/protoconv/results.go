package protoconv

import (
	"cloud.google.com/go/speech/apiv1/speechpb"

	"speech-engine-bridge/pkg/speech"
)

// Alternatives converts N-best alternatives. Missing confidences become 0,
// which the Google API documents as "not set".
func Alternatives(in []speech.SpeechRecognitionAlternative) []*speechpb.SpeechRecognitionAlternative {
	out := make([]*speechpb.SpeechRecognitionAlternative, 0, len(in))
	for _, a := range in {
		pa := &speechpb.SpeechRecognitionAlternative{
			Transcript: a.Transcript,
			Confidence: float32Of(a.Confidence),
		}
		for _, w := range a.Words {
			pa.Words = append(pa.Words, &speechpb.WordInfo{
				Word:       w.Word,
				StartTime:  duration(w.StartTime),
				EndTime:    duration(w.EndTime),
				Confidence: float32Of(w.Confidence),
			})
		}
		out = append(out, pa)
	}
	return out
}

// Result converts one final result.
func Result(r speech.SpeechRecognitionResult) *speechpb.SpeechRecognitionResult {
	return &speechpb.SpeechRecognitionResult{
		Alternatives:  Alternatives(r.Alternatives),
		ResultEndTime: duration(r.ResultEndTime),
	}
}

// Results converts final results in order.
func Results(in []speech.SpeechRecognitionResult) []*speechpb.SpeechRecognitionResult {
	out := make([]*speechpb.SpeechRecognitionResult, 0, len(in))
	for _, r := range in {
		out = append(out, Result(r))
	}
	return out
}

// RecognizeResponse converts a batch response.
func RecognizeResponse(resp *speech.RecognizeResponse) *speechpb.RecognizeResponse {
	if resp == nil {
		return &speechpb.RecognizeResponse{}
	}
	return &speechpb.RecognizeResponse{Results: Results(resp.Results)}
}

// LongRunningResponse converts the result of a finished job.
func LongRunningResponse(resp *speech.RecognizeResponse) *speechpb.LongRunningRecognizeResponse {
	if resp == nil {
		return &speechpb.LongRunningRecognizeResponse{}
	}
	return &speechpb.LongRunningRecognizeResponse{Results: Results(resp.Results)}
}

// StreamingResponse converts the results decoded from one engine frame.
// Partial results carry stability 0.5 and finals 1, since the engine
// reports no stability of its own.
func StreamingResponse(resp *speech.StreamingRecognizeResponse) *speechpb.StreamingRecognizeResponse {
	out := &speechpb.StreamingRecognizeResponse{}
	if resp == nil {
		return out
	}
	for _, r := range resp.Results {
		stability := float32(0.5)
		if r.IsFinal {
			stability = 1
		}
		out.Results = append(out.Results, &speechpb.StreamingRecognitionResult{
			Alternatives:  Alternatives(r.Alternatives),
			IsFinal:       r.IsFinal,
			Stability:     stability,
			ResultEndTime: duration(r.ResultEndTime),
		})
	}
	return out
}

// ResponseFromProto converts a proto batch response back, for clients.
func ResponseFromProto(pr *speechpb.RecognizeResponse) *speech.RecognizeResponse {
	resp := &speech.RecognizeResponse{}
	for i, r := range pr.GetResults() {
		res := speech.SpeechRecognitionResult{ResultIndex: i, IsFinal: true}
		for _, a := range r.GetAlternatives() {
			alt := speech.SpeechRecognitionAlternative{Transcript: a.GetTranscript()}
			if c := a.GetConfidence(); c != 0 {
				f := float64(c)
				alt.Confidence = &f
			}
			res.Alternatives = append(res.Alternatives, alt)
		}
		if d := r.GetResultEndTime(); d != nil {
			end := d.AsDuration()
			res.ResultEndTime = &end
		}
		resp.Results = append(resp.Results, res)
	}
	return resp
}

func float32Of(f *float64) float32 {
	if f == nil {
		return 0
	}
	return float32(*f)
}
