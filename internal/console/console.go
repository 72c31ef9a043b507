// Package console implements the line-oriented terminal interaction of the
// producer and consumer commands.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/glimte/mmate-orders/contracts"
	"github.com/glimte/mmate-orders/messaging"
	"github.com/google/uuid"
)

const (
	// Prompt asks the producer user for the next order id
	Prompt = "Order ID (or 'q' to quit): "
	// InvalidOrderID is printed when the input is not a usable GUID
	InvalidOrderID = "Invalid GUID, try again."
)

// ProducerHelp is printed once the producer is ready to send
var ProducerHelp = []string{
	"Type an order ID (GUID) and press Enter to send.",
	"Press just Enter to use a random ID.",
	"Type 'q' and press Enter to quit.",
}

var (
	// ErrQuit is returned once the user asked to stop or input ended
	ErrQuit = errors.New("console: quit")
	// ErrInvalidOrderID is returned for input that is neither blank, q nor a non-nil GUID
	ErrInvalidOrderID = errors.New("console: invalid order id")
)

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
)

type styles struct {
	banner   lipgloss.Style
	prompt   lipgloss.Style
	sent     lipgloss.Style
	received lipgloss.Style
	warning  lipgloss.Style
	err      lipgloss.Style
	muted    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		banner:   r.NewStyle().Foreground(primaryColor).Bold(true),
		prompt:   r.NewStyle().Foreground(primaryColor),
		sent:     r.NewStyle().Foreground(secondaryColor),
		received: r.NewStyle().Foreground(secondaryColor),
		warning:  r.NewStyle().Foreground(warningColor),
		err:      r.NewStyle().Foreground(errorColor).Bold(true),
		muted:    r.NewStyle().Foreground(mutedColor),
	}
}

// Console reads order ids and prints feedback lines. Output methods are safe
// for concurrent use.
type Console struct {
	in     *bufio.Reader
	out    io.Writer
	mu     sync.Mutex
	styles styles
}

// New creates a console reading from in and writing to out. Colors are only
// emitted when out is a terminal.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:     bufio.NewReader(in),
		out:    out,
		styles: newStyles(lipgloss.NewRenderer(out)),
	}
}

// ParseOrderID interprets one line of input. Blank input yields a fresh
// random id, q or Q yields ErrQuit.
func ParseOrderID(input string) (uuid.UUID, error) {
	input = strings.TrimSpace(input)
	switch {
	case input == "":
		return uuid.New(), nil
	case strings.EqualFold(input, "q"):
		return uuid.Nil, ErrQuit
	}

	id, err := uuid.Parse(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidOrderID, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: nil GUID", ErrInvalidOrderID)
	}
	return id, nil
}

// ReadOrderID prompts until a usable order id is entered. It returns ErrQuit
// on q or end of input.
func (c *Console) ReadOrderID() (uuid.UUID, error) {
	for {
		c.write(c.styles.prompt.Render(Prompt))

		line, err := c.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return uuid.Nil, fmt.Errorf("failed to read order id: %w", err)
		}
		if errors.Is(err, io.EOF) && line == "" {
			c.write("\n")
			return uuid.Nil, ErrQuit
		}

		id, perr := ParseOrderID(line)
		switch {
		case perr == nil:
			return id, nil
		case errors.Is(perr, ErrQuit):
			return uuid.Nil, ErrQuit
		}

		c.Println(c.styles.warning.Render(InvalidOrderID))
		if errors.Is(err, io.EOF) {
			return uuid.Nil, ErrQuit
		}
	}
}

// WaitForEnter returns a channel closed once a line (or end of input) is read
func (c *Console) WaitForEnter() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.in.ReadString('\n')
	}()
	return done
}

// SentLine formats the producer feedback for msg
func SentLine(msg contracts.OrderSubmitted) string {
	return fmt.Sprintf("[Producer] Sent OrderSubmitted: %s for %s, Total: %s",
		msg.OrderID, msg.CustomerName, msg.Total.String())
}

// ReceivedLine formats the consumer output for msg
func ReceivedLine(msg contracts.OrderSubmitted) string {
	return fmt.Sprintf("[Consumer] Received OrderSubmitted: %s for %s, Total: %s",
		msg.OrderID, msg.CustomerName, msg.Total.String())
}

// Banner prints a highlighted status line such as "Starting producer bus..."
func (c *Console) Banner(text string) {
	c.Println(c.styles.banner.Render(text))
}

// Info prints a muted hint
func (c *Console) Info(text string) {
	c.Println(c.styles.muted.Render(text))
}

// Sent prints the producer feedback for msg
func (c *Console) Sent(msg contracts.OrderSubmitted) {
	c.Println(c.styles.sent.Render(SentLine(msg)))
}

// Received prints the consumer output for msg
func (c *Console) Received(msg contracts.OrderSubmitted) {
	c.Println(c.styles.received.Render(ReceivedLine(msg)))
}

// Error prints err prefixed with context
func (c *Console) Error(what string, err error) {
	c.Println(c.styles.err.Render(fmt.Sprintf("%s: %v", what, err)))
}

// Println writes one line
func (c *Console) Println(line string) {
	c.write(line + "\n")
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, s)
}

// OrderPrinter returns a handler printing every received order to c
func OrderPrinter(c *Console) messaging.OrderHandler {
	return messaging.OrderHandlerFunc(func(ctx context.Context, msg contracts.OrderSubmitted) error {
		c.Received(msg)
		return nil
	})
}
