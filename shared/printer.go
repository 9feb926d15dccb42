package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w      io.Writer
	closer io.Closer
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w, closer: w}
}

// NewNopWriteCloser wraps w so that Close leaves it open. Use it for
// process-wide streams such as os.Stdout.
func NewNopWriteCloser(w io.Writer) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return io.WriteString(wc.w, s)
}

func (wc *WriteCloser) Close() error {
	if wc.closer == nil {
		return nil
	}
	return wc.closer.Close()
}

// Printer writes indented, line oriented output to every hook. It is what
// the CLI agent prints transcripts and playback state with.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []StringWriteCloser
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{
		indStr: indentString,
		hooks:  hooks,
	}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(s, ind)
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeLocked(s, ind); err != nil {
		return err
	}
	return p.broadcast("\n")
}

func (p *Printer) Writef(ind int, format string, args ...any) error {
	return p.Writeln(fmt.Sprintf(format, args...), ind)
}

func (p *Printer) writeLocked(s string, ind int) error {
	indent := strings.Repeat(p.indStr, ind)
	first := true
	for _, line := range strings.Split(s, "\n") {
		if first {
			first = false
			line = indent + line
		} else {
			line = "\n" + indent + line
		}
		if err := p.broadcast(line); err != nil {
			return err
		}
	}
	return nil
}

func (p *Printer) broadcast(s string) error {
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing hook: %w", err)
		}
	}
	return nil
}
