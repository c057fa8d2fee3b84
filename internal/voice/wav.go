// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package voice

import "encoding/binary"

const bitsPerSample = 16

// wavHeader builds a 44-byte RIFF header for 16-bit little-endian PCM.
// dataSize may be the streaming placeholder when the total is unknown.
func wavHeader(dataSize uint32, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 44)
	copy(buf[0:4], "RIFF")
	riffSize := dataSize
	if dataSize != streamingSize {
		riffSize = 36 + dataSize
	}
	binary.LittleEndian.PutUint32(buf[4:8], riffSize)
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
	return buf
}

// streamingSize marks a live WAV whose length is not yet known.
const streamingSize = 0xFFFFFFFF

// encodeWAV wraps complete PCM data in a RIFF container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	header := wavHeader(uint32(len(pcm)), sampleRate, channels)
	return append(header, pcm...)
}

// streamWAVHeader is the header prepended to the first live chunk.
func streamWAVHeader(sampleRate, channels int) []byte {
	return wavHeader(streamingSize, sampleRate, channels)
}
