// Package audio holds the audio building blocks shared by the capture and
// playback managers: WAV container assembly, PCM16<->float32 conversion,
// and a local RMS voice-activity detector.
package audio

import (
	"bytes"
	"encoding/binary"
)

// WAV assembles raw 16-bit PCM samples into a complete, self-contained WAV
// (RIFF/WAVE) byte slice at the given sample rate and channel count.
// Generalized from a mono-only, fixed-rate writer so the playback path
// (24kHz mono) and any future sink share one implementation.
func WAV(pcm []byte, sampleRate, channels int) []byte {
	buf := new(bytes.Buffer)
	blockAlign := channels * 2
	byteRate := sampleRate * blockAlign

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))         // PCM fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))          // PCM format
	binary.Write(buf, binary.LittleEndian, uint16(channels))   // channel count
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate)) // sample rate
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))   // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign)) // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))         // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
