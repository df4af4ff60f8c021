package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/rendis/pairvault/internal/authenticator"
)

// lineReader hands out stdin lines to whoever is waiting: the shell loop
// or a touch prompt. One goroutine owns the scanner.
type lineReader struct {
	f     *os.File
	once  sync.Once
	lines chan string
}

func newLineReader(f *os.File) *lineReader {
	return &lineReader{f: f, lines: make(chan string)}
}

func (r *lineReader) start() {
	r.once.Do(func() {
		go func() {
			sc := bufio.NewScanner(r.f)
			for sc.Scan() {
				r.lines <- sc.Text()
			}
			close(r.lines)
		}()
	})
}

// Next blocks for the next line. ok is false at EOF.
func (r *lineReader) Next(ctx context.Context) (line string, ok bool, err error) {
	r.start()
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case line, ok = <-r.lines:
		return line, ok, nil
	}
}

func (r *lineReader) isTerminal() bool {
	return term.IsTerminal(int(r.f.Fd()))
}

// touchPrompt returns the software key's confirmation step: the holder
// presses Enter to "touch" the key, or types n to decline. Without a
// terminal there is nobody to touch it, so ceremonies are unsupported
// unless auto-confirm is set.
func touchPrompt(in *lineReader, stderr io.Writer, autoConfirm bool) authenticator.ConfirmFunc {
	if autoConfirm {
		return nil
	}
	return func(ctx context.Context, prompt string) error {
		if !in.isTerminal() {
			return authenticator.ErrUnsupported
		}
		fmt.Fprintf(stderr, "%s: touch your key (Enter to confirm, n to decline) ", prompt)
		line, ok, err := in.Next(ctx)
		if err != nil {
			fmt.Fprintln(stderr)
			return err
		}
		if !ok || strings.EqualFold(strings.TrimSpace(line), "n") {
			return authenticator.ErrCancelled
		}
		return nil
	}
}

// readSecret reads vault plaintext: hidden input on a terminal, otherwise
// everything on stdin.
func readSecret(stdin *os.File, stderr io.Writer) ([]byte, error) {
	fd := int(stdin.Fd())
	if !term.IsTerminal(fd) {
		return io.ReadAll(stdin)
	}
	fmt.Fprint(stderr, "Secret: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(stderr)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	return b, nil
}
