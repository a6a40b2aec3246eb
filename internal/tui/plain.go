package tui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// PlainIO implements IO using plain terminal output (fmt.Print / bufio.Scanner).
type PlainIO struct {
	scanner     *bufio.Scanner
	inCountdown bool
}

// NewPlainIO creates a PlainIO that reads from stdin.
func NewPlainIO() *PlainIO {
	s := bufio.NewScanner(os.Stdin)
	s.Buffer(make([]byte, 1024*1024), 1024*1024)
	return &PlainIO{scanner: s}
}

func (p *PlainIO) ReadInput() (string, error) {
	fmt.Print("\n> ")
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(p.scanner.Text()), nil
}

func (p *PlainIO) ThinkingStart() {
	p.endCountdown()
	fmt.Println() // blank line before assistant output begins
}

func (p *PlainIO) TextDelta(delta string) {
	fmt.Print(delta)
}

func (p *PlainIO) TextDone(_ string) {
	// Text is already rendered incrementally; just finish the line.
	fmt.Println()
}

func (p *PlainIO) Banner(text string) {
	p.endCountdown()
	fmt.Printf("\n[!] %s\n", text)
}

func (p *PlainIO) Countdown(seconds int) {
	p.inCountdown = true
	fmt.Printf("\rRetrying in %ds...  ", seconds)
}

func (p *PlainIO) SystemMessage(text string) {
	p.endCountdown()
	fmt.Println(text)
}

func (p *PlainIO) Error(msg string) {
	p.endCountdown()
	fmt.Fprintf(os.Stderr, "error: %s\n", msg)
}

// endCountdown terminates the in-place countdown line so following output
// starts on a fresh line.
func (p *PlainIO) endCountdown() {
	if p.inCountdown {
		p.inCountdown = false
		fmt.Println()
	}
}
