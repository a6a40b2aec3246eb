// Package tui is kite's terminal surface. Rendering is intentionally
// minimal; the IO interface exists so the send controller can be driven
// by fakes in tests.
package tui

// IO is the terminal interaction surface used by the send controller and
// the REPL.
type IO interface {
	// ReadInput blocks for the next line of user input.
	ReadInput() (string, error)

	// ThinkingStart is called right before assistant output begins.
	ThinkingStart()
	// TextDelta renders one streamed text increment.
	TextDelta(delta string)
	// TextDone is called with the full reply once the stream settles.
	TextDone(full string)

	// Banner surfaces a quota-related notice (model disabled, window
	// exhausted, retry pending, or the generic fallback message).
	Banner(text string)
	// Countdown rewrites the live "retrying in N seconds" line.
	Countdown(seconds int)

	// SystemMessage prints an informational line (model switched, etc.).
	SystemMessage(text string)
	// Error prints an error line.
	Error(msg string)
}
