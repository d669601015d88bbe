package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubbub-bot/hubbub/pkg/dispatch"
)

func TestConsoleStopsOnCancel(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	router := dispatch.NewRouter(nil, nil, nil, log)

	// The pipe stays open for the whole test, so the reader goroutine can
	// only exit through cancellation.
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- runConsole(ctx, pr, router, log) }()

	_, err := io.WriteString(pw, "hello\n")
	require.NoError(t, err)

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop after cancellation")
	}
}
