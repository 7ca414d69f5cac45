// Package daemon runs the raw git:// listener: one TCP accept loop, one
// workpool-bounded task per connection, dispatching the initial
// "git-upload-pack <path>\0host=<h>\0..." request line to the protocol
// package against a repo.Repository resolved under a repos-root
// directory. Grounded on the teacher's cli/cmd/root.go and main.go for
// the cobra command-tree shape (inverted here from a porcelain client
// into a server loop) and on spec.md §5/§6 directly for the
// accept-loop/timeout/request-parsing contract itself, since nanogit
// never accepts a connection.
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgecellar/gitcore/gitlog"
	"github.com/forgecellar/gitcore/internal/workpool"
	"github.com/forgecellar/gitcore/pktline"
	"github.com/forgecellar/gitcore/protocol"
	"github.com/forgecellar/gitcore/repo"
)

// DefaultIdleReadTimeout bounds how long the server waits for the
// initial request line on an accepted connection.
const DefaultIdleReadTimeout = 60 * time.Second

// DefaultRequestTimeout bounds an entire upload-pack/receive-pack
// session end to end.
const DefaultRequestTimeout = time.Hour

// Options configures a Server.
type Options struct {
	ReposRoot       string
	MaxConnections  int64
	MaxBlocking     int64
	IdleReadTimeout time.Duration
	RequestTimeout  time.Duration
	Logger          gitlog.Logger
}

// Server accepts raw git:// connections and dispatches each to the
// protocol engine against a repository resolved under ReposRoot.
type Server struct {
	opts Options
	pool *workpool.Pool
	log  gitlog.Logger
}

// New builds a Server from opts, defaulting unset timeouts and pool
// sizes.
func New(opts Options) *Server {
	if opts.IdleReadTimeout <= 0 {
		opts.IdleReadTimeout = DefaultIdleReadTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = gitlog.NoOp
	}
	return &Server{
		opts: opts,
		pool: workpool.New(workpool.Options{MaxConnections: opts.MaxConnections, MaxBlocking: opts.MaxBlocking}),
		log:  logger,
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept
// returns a fatal error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		go func() {
			_ = s.pool.RunConnection(ctx, func(taskCtx context.Context) error {
				return s.handle(taskCtx, conn)
			})
		}()
	}
}

// request is the parsed first line of a git:// session:
// "<service> <path>\0host=<host>[\0version=<n>]\0".
type request struct {
	service protocol.Service
	path    string
}

func parseRequestLine(line []byte) (request, error) {
	parts := strings.SplitN(string(line), "\x00", 2)
	head := parts[0]
	sp := strings.IndexByte(head, ' ')
	if sp < 0 {
		return request{}, fmt.Errorf("malformed request line %q", head)
	}
	serviceName, path := head[:sp], head[sp+1:]

	var svc protocol.Service
	switch serviceName {
	case "git-upload-pack":
		svc = protocol.ServiceUploadPack
	case "git-receive-pack":
		svc = protocol.ServiceReceivePack
	default:
		return request{}, fmt.Errorf("unknown service %q", serviceName)
	}
	return request{service: svc, path: path}, nil
}

func (s *Server) resolveRepo(path string) (*repo.Repository, error) {
	reposRoot := filepath.Clean(s.opts.ReposRoot)
	root := filepath.Join(reposRoot, path)
	if root != reposRoot && !strings.HasPrefix(root, reposRoot+string(filepath.Separator)) {
		return nil, fmt.Errorf("path %q escapes repos root", path)
	}
	return repo.Open(root)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(s.opts.IdleReadTimeout)); err != nil {
		s.log.Warn("set read deadline failed", "error", err)
	}

	pktr := pktline.NewReader(bufio.NewReader(conn))
	line, err := pktr.ReadLine()
	if err != nil {
		s.log.Debug("reading request line failed", "error", err)
		return err
	}

	req, err := parseRequestLine(line)
	if err != nil {
		writeErrLine(conn, err)
		return err
	}

	r, err := s.resolveRepo(req.path)
	if err != nil {
		writeErrLine(conn, err)
		return err
	}

	_ = conn.SetReadDeadline(time.Time{})

	pktw := pktline.NewWriter(conn)
	nonce, err := protocol.AdvertiseRefs(r.Refs(), r.ODB(), req.service, r.Config(), pktw)
	if err != nil {
		s.log.Warn("advertise refs failed", "repo", req.path, "error", err)
		return err
	}

	src := pktr.Underlying()
	switch req.service {
	case protocol.ServiceUploadPack:
		if err := protocol.UploadPack(ctx, r.ODB(), r.Refs(), r.Config(), conn, src); err != nil {
			s.log.Warn("upload-pack failed", "repo", req.path, "error", err)
			return err
		}
	case protocol.ServiceReceivePack:
		if err := protocol.ReceivePack(ctx, r.ODB(), r.Refs(), r.Hooks(), r.Config(), nonce, conn, src); err != nil {
			s.log.Warn("receive-pack failed", "repo", req.path, "error", err)
			return err
		}
	}
	return nil
}

func writeErrLine(conn net.Conn, err error) {
	w := pktline.NewWriter(conn)
	_ = w.WriteString(fmt.Sprintf("ERR %s\n", err.Error()))
}
