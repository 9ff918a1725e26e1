package stt

import (
	"bytes"
	"encoding/binary"
)

// container describes an upload the transcription API accepts.
type container struct {
	name        string
	contentType string
}

// sniffContainer recognizes audio that already carries a container header.
func sniffContainer(data []byte) (container, bool) {
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return container{"audio.wav", "audio/wav"}, true
	case bytes.HasPrefix(data, []byte("OggS")):
		return container{"audio.ogg", "audio/ogg"}, true
	case bytes.HasPrefix(data, []byte{0x1a, 0x45, 0xdf, 0xa3}):
		return container{"audio.webm", "audio/webm"}, true
	case bytes.HasPrefix(data, []byte("ID3")), len(data) > 1 && data[0] == 0xff && data[1]&0xe0 == 0xe0:
		return container{"audio.mp3", "audio/mpeg"}, true
	}
	return container{}, false
}

// pcmToWAV wraps 16-bit little-endian PCM in a 44-byte WAV header.
func pcmToWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))
	return append(header, pcm...)
}
