package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// runCLI is the line-oriented front-end: commands come from in, chat
// history goes to out. It returns when the user quits, input ends or ctx
// is cancelled.
func (a *app) runCLI(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			a.logger.Warn("Input read failed", zap.Error(err))
		}
	}()

	fmt.Fprintln(out, Title(a.status()))
	fmt.Fprintln(out, "Type /help for commands, /quit to exit")

	events := a.ctrl.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.observe(e)
			if line := describe(e); line != "" {
				fmt.Fprintf(out, "[%s] %s\n", time.Now().Format("15:04:05"), line)
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text, err := a.execute(line)
			if errors.Is(err, errQuit) {
				return err
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if text != "" {
				fmt.Fprintln(out, text)
			}
		}
	}
}
