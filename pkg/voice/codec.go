package voice

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"strings"
)

// encodeChunkBytes is the fixed slice size fed to the base64 encoder per
// write. Long frames are encoded piecewise instead of in one allocation
// spike per call site.
const encodeChunkBytes = 8 * 1024

// EncodeFrame converts float32 samples in [-1, 1] to base64-encoded PCM16
// little-endian bytes, the transport format of audio_chunk messages.
// Samples outside [-1, 1] are clamped. Negative values scale by 32768,
// non-negative by 32767, matching the backend's quantization.
func EncodeFrame(samples []float32) string {
	pcm := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(quantizeSample(sample)))
	}

	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(pcm)))
	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	for off := 0; off < len(pcm); off += encodeChunkBytes {
		end := off + encodeChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		enc.Write(pcm[off:end])
	}
	enc.Close()
	return sb.String()
}

// DecodeFrame is the inverse of EncodeFrame: base64 PCM16 LE back to
// float32 samples. A trailing odd byte is ignored.
func DecodeFrame(encoded string) ([]float32, error) {
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, WrapError(err, ErrCodeAudioDecode)
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v < 0 {
			samples[i] = float32(v) / 32768.0
		} else {
			samples[i] = float32(v) / 32767.0
		}
	}
	return samples, nil
}

func quantizeSample(sample float32) int16 {
	if sample < -1 {
		sample = -1
	} else if sample > 1 {
		sample = 1
	}
	if sample < 0 {
		return int16(sample * 32768)
	}
	return int16(sample * 32767)
}

// Loudness returns the RMS of the frame scaled for visualization: rms * 5,
// clamped to [0, 1]. An empty frame is 0.
func Loudness(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	level := rms * 5
	if level > 1 {
		return 1
	}
	return level
}
