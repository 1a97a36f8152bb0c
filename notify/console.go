package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// Console prints notifications as colored toast lines.
type Console struct {
	out io.Writer
	mu  sync.Mutex

	info    *color.Color
	success *color.Color
	warning *color.Color
	failure *color.Color
}

func NewConsole(out io.Writer) *Console {
	return &Console{
		out:     out,
		info:    color.New(color.FgCyan, color.Bold),
		success: color.New(color.FgGreen, color.Bold),
		warning: color.New(color.FgYellow, color.Bold),
		failure: color.New(color.FgRed, color.Bold),
	}
}

func (c *Console) Notify(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var title *color.Color
	var mark string
	switch n.Level {
	case LevelSuccess:
		title, mark = c.success, "✔"
	case LevelWarning:
		title, mark = c.warning, "!"
	case LevelError:
		title, mark = c.failure, "✖"
	default:
		title, mark = c.info, "•"
	}

	if _, err := title.Fprintf(c.out, "%s %s", mark, n.Title); err != nil {
		return err
	}
	if n.Description != "" {
		_, err := fmt.Fprintf(c.out, "  %s\n", n.Description)
		return err
	}
	_, err := fmt.Fprintln(c.out)
	return err
}
