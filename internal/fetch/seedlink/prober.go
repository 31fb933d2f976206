// Package seedlink probes SeedLink servers for the stations they serve.
package seedlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"stationdb/internal/stationdb"
	logx "stationdb/pkg/logx"
)

const (
	maxLineLen   = 4 << 10
	maxCatalog   = 200_000
	dialTimeout  = 10 * time.Second
	catTerminate = "END"
)

// Prober implements stationdb.Prober with the HELLO and CAT commands.
type Prober struct {
	dialer *net.Dialer
	log    logx.Logger
}

type Option func(*Prober)

func WithLogger(log logx.Logger) Option { return func(p *Prober) { p.log = log } }

func WithDialer(d *net.Dialer) Option {
	return func(p *Prober) {
		if d != nil {
			p.dialer = d
		}
	}
}

func New(opts ...Option) *Prober {
	p := &Prober{dialer: &net.Dialer{Timeout: dialTimeout}, log: logx.Nop()}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.Component("seedlink")
	return p
}

// Probe lists the stations src serves and records them on db.
func (p *Prober) Probe(ctx context.Context, src *stationdb.StreamingSource, db *stationdb.Database) error {
	addr := net.JoinHostPort(src.Host, strconv.Itoa(src.Port))
	start := time.Now()
	streams, server, err := p.Catalog(ctx, addr)
	if err != nil {
		return err
	}
	// The attempt may have been abandoned while the reply was read.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := db.ApplyProbe(src.ID, streams); err != nil {
		return err
	}
	p.log.Debug("seedlink.probe.done",
		logx.String("source", src.Name),
		logx.String("server", server),
		logx.Int("stations", len(streams)),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// Catalog connects to addr and returns one station-level StreamID per advertised
// station plus the server identification line.
func (p *Prober) Catalog(ctx context.Context, addr string) ([]stationdb.StreamID, string, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &stationdb.ConnectivityError{Err: err}
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblocks reads when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s := &session{conn: conn, r: bufio.NewReaderSize(conn, maxLineLen)}

	if err := s.send("HELLO"); err != nil {
		return nil, "", s.fail(ctx, err)
	}
	server, err := s.line()
	if err != nil {
		return nil, "", s.fail(ctx, err)
	}
	if isError(server) {
		return nil, "", fmt.Errorf("HELLO rejected: %s", server)
	}
	if _, err := s.line(); err != nil { // organization
		return nil, "", s.fail(ctx, err)
	}

	if err := s.send("CAT"); err != nil {
		return nil, "", s.fail(ctx, err)
	}
	seen := map[stationdb.StreamID]struct{}{}
	var out []stationdb.StreamID
	for {
		l, err := s.line()
		if err != nil {
			return nil, "", s.fail(ctx, err)
		}
		if l == catTerminate {
			break
		}
		if isError(l) {
			return nil, "", fmt.Errorf("CAT rejected: %s", l)
		}
		id, ok := parseCatLine(l)
		if !ok {
			return nil, "", fmt.Errorf("malformed CAT line %q", l)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if len(out) > maxCatalog {
			return nil, "", fmt.Errorf("CAT response exceeds %d stations", maxCatalog)
		}
	}
	_ = s.send("BYE")
	return out, server, nil
}

type session struct {
	conn net.Conn
	r    *bufio.Reader
}

func (s *session) send(cmd string) error {
	_, err := io.WriteString(s.conn, cmd+"\r\n")
	return err
}

func (s *session) line() (string, error) {
	b, err := s.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("line exceeds %d bytes", maxLineLen)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// fail maps I/O failures; the context error wins when it caused them.
func (s *session) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &stationdb.TimeoutError{Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &ne) {
		return &stationdb.ConnectivityError{Err: err}
	}
	return err
}

func isError(l string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(l)), "ERROR")
}

// parseCatLine reads "NET STA [description]".
func parseCatLine(l string) (stationdb.StreamID, bool) {
	f := strings.Fields(l)
	if len(f) < 2 || len(f[0]) > 2 || len(f[1]) > 5 {
		return stationdb.StreamID{}, false
	}
	return stationdb.StreamID{Network: f[0], Station: f[1]}, true
}
