// Package protoconv converts between the bridge's speech types and the
// Google Speech v1 and longrunning protobuf messages.
package protoconv

import (
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/protobuf/types/known/durationpb"

	"speech-engine-bridge/pkg/speech"
)

// ConfigFromProto maps a proto config onto speech.RecognitionConfig.
// Proto zero values are treated as unset; encodings the bridge does not
// support keep their proto name so validation can report it.
func ConfigFromProto(pc *speechpb.RecognitionConfig) speech.RecognitionConfig {
	if pc == nil {
		return speech.RecognitionConfig{}
	}
	cfg := speech.RecognitionConfig{
		LanguageCode:               pc.GetLanguageCode(),
		EnableAutomaticPunctuation: pc.GetEnableAutomaticPunctuation(),
		EnableWordConfidence:       pc.GetEnableWordConfidence(),
		EnableWordTimeOffsets:      pc.GetEnableWordTimeOffsets(),
	}
	if enc := pc.GetEncoding(); enc != speechpb.RecognitionConfig_ENCODING_UNSPECIFIED {
		cfg.Encoding = speech.AudioEncoding(enc.String())
	}
	if v := pc.GetSampleRateHertz(); v != 0 {
		cfg.SampleRateHertz = speech.Int32(v)
	}
	if v := pc.GetMaxAlternatives(); v != 0 {
		cfg.MaxAlternatives = speech.Int32(v)
	}
	return cfg
}

// ConfigToProto is the inverse of ConfigFromProto.
func ConfigToProto(cfg speech.RecognitionConfig) *speechpb.RecognitionConfig {
	pc := &speechpb.RecognitionConfig{
		LanguageCode:               cfg.LanguageCode,
		EnableAutomaticPunctuation: cfg.EnableAutomaticPunctuation,
		EnableWordConfidence:       cfg.EnableWordConfidence,
		EnableWordTimeOffsets:      cfg.EnableWordTimeOffsets,
	}
	if cfg.Encoding != speech.EncodingUnspecified {
		pc.Encoding = speechpb.RecognitionConfig_AudioEncoding(speechpb.RecognitionConfig_AudioEncoding_value[string(cfg.Encoding)])
	}
	if cfg.SampleRateHertz != nil {
		pc.SampleRateHertz = *cfg.SampleRateHertz
	}
	if cfg.MaxAlternatives != nil {
		pc.MaxAlternatives = *cfg.MaxAlternatives
	}
	return pc
}

// AudioFromProto maps the proto audio oneof.
func AudioFromProto(pa *speechpb.RecognitionAudio) speech.RecognitionAudio {
	switch src := pa.GetAudioSource().(type) {
	case *speechpb.RecognitionAudio_Content:
		return speech.RecognitionAudio{Content: src.Content}
	case *speechpb.RecognitionAudio_Uri:
		return speech.RecognitionAudio{URI: src.Uri}
	default:
		return speech.RecognitionAudio{}
	}
}

// RecognizeRequestFromProto maps a Recognize request.
func RecognizeRequestFromProto(req *speechpb.RecognizeRequest) speech.RecognizeRequest {
	return speech.RecognizeRequest{
		Config: ConfigFromProto(req.GetConfig()),
		Audio:  AudioFromProto(req.GetAudio()),
	}
}

// LongRunningRequestFromProto maps a LongRunningRecognize request.
func LongRunningRequestFromProto(req *speechpb.LongRunningRecognizeRequest) speech.RecognizeRequest {
	return speech.RecognizeRequest{
		Config: ConfigFromProto(req.GetConfig()),
		Audio:  AudioFromProto(req.GetAudio()),
	}
}

// StreamingConfigFromProto maps the first message of a streaming call.
func StreamingConfigFromProto(sc *speechpb.StreamingRecognitionConfig) speech.StreamingRecognitionConfig {
	return speech.StreamingRecognitionConfig{
		Config:         ConfigFromProto(sc.GetConfig()),
		InterimResults: sc.GetInterimResults(),
	}
}

func duration(d *time.Duration) *durationpb.Duration {
	if d == nil {
		return nil
	}
	return durationpb.New(*d)
}
