package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/hubbub-bot/hubbub/pkg/dispatch"
	"github.com/hubbub-bot/hubbub/pkg/events"
)

// consoleReplier prints bot replies to stdout.
type consoleReplier struct{}

func (consoleReplier) Reply(_ context.Context, target, text string) error {
	_, err := fmt.Printf("[%s] %s\n", target, text)
	return err
}

// runConsole reads chat lines from in (stdin in the daemon) and
// dispatches them as the "console" user. Handy for poking at a local
// daemon; real protocol connections arrive the same way, one Message at
// a time.
func runConsole(ctx context.Context, in io.Reader, router *dispatch.Router, log *logrus.Logger) error {
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
	}()

	rep := consoleReplier{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				// stdin closed (e.g. daemonized); keep running without a
				// console.
				<-ctx.Done()
				return ctx.Err()
			}
			if line == "" {
				continue
			}
			msg := events.NewMessage("console", "console", line)
			if err := router.DispatchMessage(ctx, msg, rep); err != nil {
				log.WithError(err).Warn("console dispatch failed")
			}
		}
	}
}
