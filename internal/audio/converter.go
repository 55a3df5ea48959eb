package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Wire sample rates used by the live backend
const (
	ServerInputSampleRate  = 16000 // microphone audio sent to the server
	ServerOutputSampleRate = 24000 // model audio received from the server
)

// PCMMimeType returns the realtime chunk mime type for 16-bit PCM at rate
func PCMMimeType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// ResampleToPCM16 converts normalized float samples captured at inputRate into
// 16-bit PCM at targetRate.
// Resampling is nearest neighbour: output index i reads input index floor(i*ratio).
// Values outside [-1, 1] are clamped before scaling.
func ResampleToPCM16(samples []float32, inputRate, targetRate int) []int16 {
	if len(samples) == 0 || inputRate <= 0 || targetRate <= 0 {
		return []int16{}
	}

	outputLength := int(math.Round(float64(len(samples)) * float64(targetRate) / float64(inputRate)))
	if outputLength == 0 {
		return []int16{}
	}
	ratio := float64(len(samples)) / float64(outputLength)

	output := make([]int16, outputLength)
	for i := range output {
		idx := int(math.Floor(float64(i) * ratio))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		output[i] = floatToPCM16(samples[idx])
	}
	return output
}

// floatToPCM16 maps [-1, 1] onto the full signed 16-bit range.
// Negative values scale by 32768 and positive by 32767 so both ends are reachable.
func floatToPCM16(sample float32) int16 {
	s := math.Max(-1, math.Min(1, float64(sample)))
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// EncodePCM16 serializes samples as little-endian 16-bit PCM
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// DecodePCM16 parses little-endian 16-bit PCM
func DecodePCM16(pcmData []byte) ([]int16, error) {
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d bytes", len(pcmData))
	}

	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
	}
	return samples, nil
}

// PCM16ToFloat32 converts little-endian 16-bit PCM into samples normalized by 32768
func PCM16ToFloat32(pcmData []byte) ([]float32, error) {
	samples, err := DecodePCM16(pcmData)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(samples))
	for i, sample := range samples {
		out[i] = float32(sample) / 32768
	}
	return out, nil
}

// EncodeBase64 returns the standard base64 encoding used by media blobs
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes a media blob payload
func DecodeBase64(data string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio payload: %w", err)
	}
	return decoded, nil
}

// Duration returns the playback length of n samples at sampleRate
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(sampleRate) * float64(time.Second))
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
