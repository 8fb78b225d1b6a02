// Package audio implements the audio preparation half of the playout
// pipeline: slicing an unbounded PCM delta stream into fixed-duration chunks,
// resampling chunks to the device sample rate, and wrapping them in the WAV
// container the playback device requires.
package audio
