package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to keep a producer from blocking on a stream nobody reads any
// more, such as the remote event channel of a session that is shutting down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
