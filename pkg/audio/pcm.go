package audio

// PCM16ToFloat32 decodes little-endian signed 16-bit PCM into float32
// samples in [-1, 1]. Any trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = float32(sample) / 32768.0
	}
	return out
}

// Float32ToPCM16 encodes float32 samples into little-endian signed 16-bit
// PCM. Samples are clamped to [-1, 1], scaled by 32767, and rounded toward
// zero — Go's float-to-int conversion already truncates toward zero, so no
// extra rounding step is needed.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}
