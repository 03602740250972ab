//go:build unix

package main

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/shmbroker/internal/app/broker"
	"github.com/coachpo/shmbroker/internal/app/buffers"
	"github.com/coachpo/shmbroker/internal/app/service"
	httpserver "github.com/coachpo/shmbroker/internal/infra/server/http"
	"github.com/coachpo/shmbroker/internal/infra/shm"
)

func TestDemoExchangesThroughSegments(t *testing.T) {
	dir := t.TempDir()
	bufs := buffers.NewRegistry(buffers.Config{Prefix: "demo_"}, shm.NewAllocator(dir))
	svc := service.New(service.Config{}, bufs, broker.NewRegistry(broker.RegistryConfig{}))
	srv := httptest.NewServer(httpserver.NewHandler(svc, httpserver.Options{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, options{
		URL:        srv.URL,
		Topic:      "demo",
		Subscriber: "reader",
		Mode:       "both",
		Count:      3,
		SegmentDir: dir,
	}, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	require.Zero(t, bufs.Len(), "every buffer acknowledged")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDemoUnknownMode(t *testing.T) {
	err := run(context.Background(), options{URL: "http://localhost:1", Mode: "sideways"}, log.New(io.Discard, "", 0))
	require.Error(t, err)
}
