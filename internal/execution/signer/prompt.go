package signer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
)

// PromptSigner asks on a terminal before every signature and maps a refusal
// to a user rejection. One goroutine owns the input reader, so a prompt
// abandoned on cancellation leaves no stray reader behind.
type PromptSigner struct {
	inner Signer
	in    *bufio.Reader
	out   io.Writer

	start sync.Once
	lines chan string
}

func NewPromptSigner(inner Signer, in io.Reader, out io.Writer) *PromptSigner {
	return &PromptSigner{inner: inner, in: bufio.NewReader(in), out: out, lines: make(chan string)}
}

func (p *PromptSigner) PublicKey() string {
	return p.inner.PublicKey()
}

// readLines feeds answers to prompts until the input ends, then closes lines.
func (p *PromptSigner) readLines() {
	defer close(p.lines)
	for {
		line, err := p.in.ReadString('\n')
		if line != "" {
			p.lines <- line
		}
		if err != nil {
			return
		}
	}
}

func (p *PromptSigner) SignTransaction(ctx context.Context, label string, tx []byte) ([]byte, error) {
	if strings.TrimSpace(label) == "" {
		label = "transaction"
	}
	p.start.Do(func() { go p.readLines() })
	fmt.Fprintf(p.out, "Sign %s with %s? [y/N]: ", label, p.inner.PublicKey())

	var answer string
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return nil, clierr.Wrap(clierr.CodeUserRejected, "signature request abandoned", ctx.Err())
	case answer = <-p.lines:
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return p.inner.SignTransaction(ctx, label, tx)
	default:
		return nil, clierr.New(clierr.CodeUserRejected, "signature request rejected by user")
	}
}
