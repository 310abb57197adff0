// Command audioclient sends a WAV file to the bridge with the stock Google
// Cloud Speech client, exercising Recognize, LongRunningRecognize or
// StreamingRecognize.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"speech-engine-bridge/internal/api/protoconv"
	bridge "speech-engine-bridge/pkg/speech"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// Streamed audio is sent in 100ms chunks to simulate real time.
const chunkIntervalMs = 100

type wavInfo struct {
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16-bit PCM)")
	uri := flag.String("uri", "", "Audio URI to recognize instead of -audio (recognize and longrunning modes)")
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	mode := flag.String("mode", "stream", "One of recognize, longrunning, stream")
	interim := flag.Bool("interim", true, "Request interim results when streaming")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall deadline")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := speech.NewClient(ctx,
		option.WithEndpoint(*serverAddr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer client.Close()
	log.Info().Str("server", *serverAddr).Msg("Connected")

	audio := &speechpb.RecognitionAudio{}
	cfg := protoconv.ConfigToProto(bridge.RecognitionConfig{
		Encoding:                   bridge.Linear16,
		SampleRateHertz:            bridge.Int32(16000),
		LanguageCode:               "en-US",
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	})

	var pcm []byte
	if *uri != "" {
		audio.AudioSource = &speechpb.RecognitionAudio_Uri{Uri: *uri}
	} else {
		info, data, err := readWAV(*audioFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", *audioFile).Msg("Failed to read audio")
		}
		if info.channels != 1 {
			log.Warn().Uint16("channels", info.channels).Msg("Only mono audio is accepted by the engine")
		}
		cfg.SampleRateHertz = int32(info.sampleRate)
		audio.AudioSource = &speechpb.RecognitionAudio_Content{Content: data}
		pcm = data
		log.Info().
			Uint32("sampleRate", info.sampleRate).
			Uint16("bitsPerSample", info.bitsPerSample).
			Int("bytes", len(data)).
			Msg("Loaded WAV file")
	}

	switch *mode {
	case "recognize":
		resp, err := client.Recognize(ctx, &speechpb.RecognizeRequest{Config: cfg, Audio: audio})
		if err != nil {
			log.Fatal().Err(err).Msg("Recognize failed")
		}
		printResults(resp)
	case "longrunning":
		op, err := client.LongRunningRecognize(ctx, &speechpb.LongRunningRecognizeRequest{Config: cfg, Audio: audio})
		if err != nil {
			log.Fatal().Err(err).Msg("LongRunningRecognize failed")
		}
		log.Info().Str("operation", op.Name()).Msg("Operation started, waiting")
		resp, err := op.Wait(ctx)
		if err != nil {
			log.Fatal().Err(err).Str("operation", op.Name()).Msg("Operation failed")
		}
		printResults(&speechpb.RecognizeResponse{Results: resp.GetResults()})
	case "stream":
		if pcm == nil {
			log.Fatal().Msg("Streaming needs -audio")
		}
		if err := streamAudio(ctx, client, cfg, pcm, *interim); err != nil {
			log.Fatal().Err(err).Msg("Streaming failed")
		}
	default:
		log.Fatal().Str("mode", *mode).Msg("Unknown mode")
	}
}

func readWAV(path string) (wavInfo, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return wavInfo{}, nil, err
	}
	defer f.Close()

	// Read and validate WAV header
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return wavInfo{}, nil, fmt.Errorf("read WAV header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return wavInfo{}, nil, errors.New("not a valid WAV file")
	}
	if format := binary.LittleEndian.Uint16(header[20:22]); format != 1 {
		return wavInfo{}, nil, fmt.Errorf("only PCM format supported, got %d", format)
	}
	info := wavInfo{
		channels:      binary.LittleEndian.Uint16(header[22:24]),
		sampleRate:    binary.LittleEndian.Uint32(header[24:28]),
		bitsPerSample: binary.LittleEndian.Uint16(header[34:36]),
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return wavInfo{}, nil, fmt.Errorf("read audio: %w", err)
	}
	return info, data, nil
}

func streamAudio(ctx context.Context, client *speech.Client, cfg *speechpb.RecognitionConfig, pcm []byte, interim bool) error {
	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{Config: cfg, InterimResults: interim},
		},
	})
	if err != nil {
		return fmt.Errorf("send config: %w", err)
	}

	// 16-bit mono
	chunkSize := int(cfg.SampleRateHertz) * 2 * chunkIntervalMs / 1000
	go func() {
		start := time.Now()
		var chunkNum int
		for off := 0; off < len(pcm); off += chunkSize {
			end := min(off+chunkSize, len(pcm))
			err := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm[off:end]},
			})
			if err != nil {
				log.Error().Err(err).Msg("Failed to send audio")
				return
			}
			chunkNum++
			if chunkNum%10 == 0 {
				log.Debug().Int("chunk", chunkNum).Int("bytes", end).Msg("Sent audio")
			}
			time.Sleep(chunkIntervalMs * time.Millisecond)
		}
		log.Info().Int("chunks", chunkNum).Dur("elapsed", time.Since(start)).Msg("Finished streaming, waiting for final transcripts")
		stream.CloseSend()
	}()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, r := range resp.GetResults() {
			if len(r.GetAlternatives()) == 0 {
				continue
			}
			event := log.Info()
			if !r.GetIsFinal() {
				event = log.Debug()
			}
			event.Bool("final", r.GetIsFinal()).
				Float32("stability", r.GetStability()).
				Str("transcript", r.GetAlternatives()[0].GetTranscript()).
				Msg("Result")
		}
	}
}

func printResults(resp *speechpb.RecognizeResponse) {
	res := protoconv.ResponseFromProto(resp)
	for i, r := range res.Results {
		for j, alt := range r.Alternatives {
			var confidence float64
			if alt.Confidence != nil {
				confidence = *alt.Confidence
			}
			fmt.Printf("[%d.%d] %.2f %s\n", i, j, confidence, alt.Transcript)
		}
	}
	fmt.Println(res.Transcript())
}
