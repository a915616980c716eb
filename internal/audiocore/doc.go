// Package audiocore implements the mixer bin: an element that accepts a
// changing number of audio inputs, adapts each one to a canonical format and
// merges them into a single output stream.
//
// # Architecture Overview
//
//	upstream Pad -> InputPad -> Adapter -> MixerEndpoint --+
//	upstream Pad -> InputPad -> Adapter -> MixerEndpoint --+--> StreamMixer -> SourceEndpoint -> downstream Pad
//
// The bin is made of the following parts:
//
//   - Pad Manager: owns the table of input branches and their lifecycle
//   - Format Adapter: converts encoding, channel layout and rate per input
//   - Stream Mixer: sums every active endpoint into one output buffer
//   - Dynamic Attach Controller: brings late inputs up to the bin's state
//   - State Proxy: forwards lifecycle changes to every constituent
//
// # Concurrency and Thread Safety
//
// All exported methods of MixerBin and InputPad may be called from any
// goroutine. State changes are serialized against branch requests and
// releases, so a branch is never half attached while the bin changes state.
// Pushing data blocks while the input queue is full but always returns when
// the context is cancelled or the branch is flushed.
//
// # Error Handling
//
// Errors are built with the internal/errors builder and carry one of the
// categories negotiation, branch-failure, misuse, timeout or construction.
// Only construction failures are fatal; everything else removes at most the
// offending branch and is reported on the host's event channel.
package audiocore
