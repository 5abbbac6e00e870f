package main

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/pool"
	"github.com/harbormaster-io/harbormaster/internal/streams"
)

// newOpener maps stream keys onto daemon calls through the connection
// pool. Log-shaping options (tail, since, timestamps) travel inside the
// key fingerprint as a canonical query string.
func newOpener(pm *pool.Manager, self streams.SelfPolicy) streams.Opener {
	return func(ctx context.Context, key streams.Key) (streams.Source, error) {
		api, _, err := pm.Acquire(ctx, key.HostID)
		if err != nil {
			return nil, err
		}

		id := key.Resource
		switch key.Kind {
		case streams.KindLogs:
			opts := logOptions(key.Fingerprint)
			// TTY containers emit a raw stream; everything else is
			// multiplexed stdout/stderr that needs demuxing.
			demux := true
			isSelf := false
			if info, err := api.InspectContainer(ctx, id); err == nil && info.Config != nil {
				demux = !info.Config.Tty
				isSelf = self.MatchContainer(info.Name, info.Config.Labels)
			}
			src := streams.LogSource(func(ctx context.Context) (io.ReadCloser, error) {
				return api.ContainerLogs(ctx, id, opts)
			}, demux)
			if isSelf {
				// Watching our own container must not echo the log lines
				// this very stream produces.
				src = streams.FilterSource(src, self.MatchFrame)
			}
			return src, nil

		case streams.KindServiceLogs:
			opts := logOptions(key.Fingerprint)
			return streams.LogSource(func(ctx context.Context) (io.ReadCloser, error) {
				return api.ServiceLogs(ctx, id, opts)
			}, true), nil

		case streams.KindStats:
			return streams.StatsSource(func(ctx context.Context) (io.ReadCloser, error) {
				return api.ContainerStats(ctx, id)
			}), nil

		case streams.KindEvents:
			return streams.EventsSource(api.Events, self), nil
		}
		return nil, fmt.Errorf("unknown stream kind %q", key.Kind)
	}
}

func logOptions(fingerprint string) docker.LogOptions {
	v, _ := url.ParseQuery(fingerprint)
	opts := docker.LogOptions{
		Follow:     true,
		Tail:       v.Get("tail"),
		Since:      v.Get("since"),
		Timestamps: v.Get("timestamps") == "true" || v.Get("timestamps") == "1",
	}
	if opts.Tail == "" {
		opts.Tail = "100"
	}
	return opts
}
