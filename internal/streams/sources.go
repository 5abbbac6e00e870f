package streams

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/events"
)

// SelfPolicy identifies the control plane's own containers and output.
// Watching the host we run on must not feed our own activity back into
// the stream: delivering a frame writes a log line, which becomes a
// frame, which writes a log line.
type SelfPolicy struct {
	Enabled bool
	Label   string // container label marking our own containers
	Name    string // fallback container name match
}

// MatchContainer reports whether a container belongs to the control
// plane, by label first and by name second.
func (p SelfPolicy) MatchContainer(name string, labels map[string]string) bool {
	if !p.Enabled {
		return false
	}
	if p.Label != "" && labels[p.Label] == "true" {
		return true
	}
	return p.Name != "" && strings.TrimPrefix(name, "/") == p.Name
}

// MatchFrame reports whether a log line was written by this process.
// Every record the logger emits carries the service attribute.
func (p SelfPolicy) MatchFrame(line []byte) bool {
	if !p.Enabled {
		return false
	}
	return bytes.Contains(line, selfMarkerJSON) || bytes.Contains(line, selfMarkerText)
}

func (p SelfPolicy) matchEvent(msg events.Message) bool {
	if !p.Enabled || p.Label == "" || msg.Actor.Attributes == nil {
		return false
	}
	return msg.Actor.Attributes[p.Label] == "true"
}

var (
	selfMarkerJSON = []byte(`"service":"harbormaster"`)
	selfMarkerText = []byte("service=harbormaster")
)

// maxLine caps a single log line; anything longer is split.
const maxLine = 1024 * 1024

// LogSource pumps a Docker log stream line by line. Non-TTY streams
// arrive multiplexed; demux merges stdout and stderr back into plain
// lines before they fan out.
func LogSource(open func(ctx context.Context) (io.ReadCloser, error), demux bool) Source {
	return SourceFunc(func(ctx context.Context, emit func([]byte)) error {
		rc, err := open(ctx)
		if err != nil {
			return err
		}
		defer rc.Close()

		// Close the reader when the context ends so the scan loop
		// unblocks.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				rc.Close()
			case <-done:
			}
		}()

		var src io.Reader = rc
		if demux {
			pr, pw := io.Pipe()
			go func() {
				_, err := stdcopy.StdCopy(pw, pw, rc)
				pw.CloseWithError(err)
			}()
			src = pr
		}

		scanner := bufio.NewScanner(src)
		scanner.Buffer(make([]byte, 64*1024), maxLine)
		for scanner.Scan() {
			line := scanner.Bytes()
			emit(append([]byte(nil), line...))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return scanner.Err()
	})
}

// StatsSource pumps a Docker stats stream, one JSON document per frame.
// The daemon emits newline-delimited JSON at a fixed cadence.
func StatsSource(open func(ctx context.Context) (io.ReadCloser, error)) Source {
	return LogSource(open, false)
}

// EventsSource pumps a daemon event feed, one JSON-encoded message per
// frame. Events raised by the control plane's own containers are
// filtered out per the self policy.
func EventsSource(open func(ctx context.Context) (<-chan events.Message, <-chan error), self SelfPolicy) Source {
	return SourceFunc(func(ctx context.Context, emit func([]byte)) error {
		msgs, errs := open(ctx)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-errs:
				return err
			case msg, ok := <-msgs:
				if !ok {
					return nil
				}
				if self.matchEvent(msg) {
					continue
				}
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				emit(data)
			}
		}
	})
}

// FilterSource drops frames the predicate matches and passes the rest
// through unchanged.
func FilterSource(src Source, drop func([]byte) bool) Source {
	return SourceFunc(func(ctx context.Context, emit func([]byte)) error {
		return src.Run(ctx, func(data []byte) {
			if !drop(data) {
				emit(data)
			}
		})
	})
}
