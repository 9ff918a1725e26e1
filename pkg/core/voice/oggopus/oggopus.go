// Package oggopus moves raw Opus packets in and out of an Ogg container.
// Devices stream bare packets over the websocket while speech APIs speak
// Ogg Opus files, so both directions need the packet boundaries intact.
package oggopus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

const (
	pageHeaderSize  = 27
	continuedPacket = 0x01

	// Ogg Opus granule positions always count 48 kHz samples.
	granuleRate = 48000
)

var (
	ErrNotOgg  = errors.New("oggopus: not an ogg stream")
	ErrNotOpus = errors.New("oggopus: ogg stream does not carry opus")
	errPage    = errors.New("oggopus: malformed ogg page")
)

// IsOgg reports whether data starts with an Ogg page.
func IsOgg(data []byte) bool {
	return bytes.HasPrefix(data, []byte("OggS"))
}

// Mux wraps packets, one Opus packet each, in an Ogg Opus stream. The
// sample rate and channel count go into the OpusHead header.
func Mux(packets [][]byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = granuleRate
	}
	if channels <= 0 {
		channels = 1
	}
	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, uint32(sampleRate), uint16(channels))
	if err != nil {
		return nil, fmt.Errorf("oggopus: open writer: %w", err)
	}
	var ts uint32
	for _, p := range packets {
		if len(p) == 0 {
			continue
		}
		if err := w.WriteRTP(&rtp.Packet{Header: rtp.Header{Timestamp: ts}, Payload: p}); err != nil {
			return nil, fmt.Errorf("oggopus: write packet: %w", err)
		}
		ts += PacketSamples(p)
	}
	return buf.Bytes(), nil
}

// Packets splits an Ogg Opus stream into its audio packets. The OpusHead and
// OpusTags headers are dropped, packets spanning pages are reassembled, and
// pages of other logical streams are ignored.
func Packets(data []byte) ([][]byte, error) {
	if !IsOgg(data) {
		return nil, ErrNotOgg
	}
	var (
		out     [][]byte
		partial []byte
		serial  uint32
		headers int
	)
	for first := true; len(data) > 0; first = false {
		if len(data) < pageHeaderSize || !IsOgg(data) {
			return nil, errPage
		}
		nseg := int(data[26])
		if len(data) < pageHeaderSize+nseg {
			return nil, errPage
		}
		lacing := data[pageHeaderSize : pageHeaderSize+nseg]
		body := data[pageHeaderSize+nseg:]
		size := 0
		for _, l := range lacing {
			size += int(l)
		}
		if len(body) < size {
			return nil, errPage
		}

		pageSerial := binary.LittleEndian.Uint32(data[14:18])
		if first {
			serial = pageSerial
		}
		if pageSerial == serial {
			if data[5]&continuedPacket == 0 {
				partial = nil
			}
			off := 0
			for _, l := range lacing {
				partial = append(partial, body[off:off+int(l)]...)
				off += int(l)
				if l == 255 {
					continue
				}
				switch {
				case headers == 0:
					if !bytes.HasPrefix(partial, []byte("OpusHead")) {
						return nil, ErrNotOpus
					}
					headers++
				case headers == 1:
					headers++
				case len(partial) > 0:
					out = append(out, partial)
				}
				partial = nil
			}
		}
		data = body[size:]
	}
	if headers == 0 {
		return nil, ErrNotOpus
	}
	return out, nil
}

// PacketSamples returns how many 48 kHz samples an Opus packet decodes to,
// read from its TOC byte. Malformed packets count as one 20 ms frame.
func PacketSamples(p []byte) uint32 {
	const fallback = granuleRate / 50
	if len(p) == 0 {
		return fallback
	}
	toc := p[0]
	config := toc >> 3

	// Frame size in units of 2.5 ms.
	var units uint32
	switch {
	case config < 12: // SILK: 10, 20, 40, 60 ms
		units = [4]uint32{4, 8, 16, 24}[config%4]
	case config < 16: // hybrid: 10, 20 ms
		units = [2]uint32{4, 8}[config%2]
	default: // CELT: 2.5, 5, 10, 20 ms
		units = [4]uint32{1, 2, 4, 8}[config%4]
	}

	var frames uint32
	switch toc & 0x03 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	default:
		if len(p) < 2 || p[1]&0x3f == 0 {
			return fallback
		}
		frames = uint32(p[1] & 0x3f)
	}
	return units * frames * granuleRate / 400
}
