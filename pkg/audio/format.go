// Package audio provides raw PCM audio primitives for the relay: stream format
// arithmetic and fixed-size frame accumulation.
//
// All audio handled by this package is signed linear PCM, little-endian,
// interleaved when multi-channel. No codec work happens here.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate, channel count and bit depth of a PCM
// stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is the format the OpenAI Realtime API expects for pcm16:
// 24 kHz, mono, 16 bit.
var DefaultFormat = Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}

// BytesPerSample returns the size of one sample of one channel in bytes.
func (f Format) BytesPerSample() int { return f.BitsPerSample / 8 }

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerSample() * f.Channels
}

// BytesFor returns the number of bytes that hold ms milliseconds of audio.
// The result is rounded down to a whole sample frame so that slicing at this
// size never splits a sample.
func (f Format) BytesFor(ms int) int {
	n := f.BytesPerSecond() * ms / 1000
	if align := f.BytesPerSample() * f.Channels; align > 0 {
		n -= n % align
	}
	return n
}

// Duration returns the playback duration of n bytes of audio.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Validate reports whether f describes a usable PCM stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count must be positive, got %d", f.Channels)
	}
	if f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("audio: bits per sample must be a positive multiple of 8, got %d", f.BitsPerSample)
	}
	return nil
}

// String returns a human-readable form such as "24000Hz mono 16bit".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s %dbit", f.SampleRate, ch, f.BitsPerSample)
}
