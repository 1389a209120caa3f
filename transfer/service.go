package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GuilhermeP96/adb-toolkit/auth"
	"github.com/GuilhermeP96/adb-toolkit/provider"
)

const (
	// DefaultMaxConcurrent caps simultaneous transfers; extra connections
	// queue until a slot frees.
	DefaultMaxConcurrent = 4
	// DefaultIdleTimeout bounds the wait for a request header.
	DefaultIdleTimeout = 30 * time.Second
)

// Counters receives transfer accounting. Implemented by the agent's metrics.
type Counters interface {
	AddBytes(n int64)
	TransferStarted()
	TransferFinished()
}

// Recorder journals completed transfers. May be nil.
type Recorder interface {
	RecordTransfer(op, path, peerID string, bytes int64, status string) error
}

// Options configures the transfer service.
type Options struct {
	Gate          *auth.Gate
	Files         provider.Files
	Counters      Counters
	Recorder      Recorder
	Logger        *slog.Logger
	MaxConcurrent int
	IdleTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = DefaultMaxConcurrent
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Service accepts transfer connections and serves push/pull/stat frames.
type Service struct {
	listener net.Listener
	options  Options
	logger   *slog.Logger
	slots    chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts the transfer listener.
func Listen(address string, options Options) (*Service, error) {
	opts := options.withDefaults()
	if opts.Gate == nil {
		return nil, errors.New("transfer: auth gate is required")
	}
	if opts.Files == nil {
		return nil, errors.New("transfer: files provider is required")
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	service := &Service{
		listener: listener,
		options:  opts,
		logger:   opts.Logger.With("component", "transfer"),
		slots:    make(chan struct{}, opts.MaxConcurrent),
		closed:   make(chan struct{}),
	}

	service.wg.Add(1)
	go service.acceptLoop()

	service.logger.Info("transfer service listening", "addr", listener.Addr().String())
	return service, nil
}

// Addr returns the listening address.
func (s *Service) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting and waits for in-flight transfers to finish or abort.
func (s *Service) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", "error", err)
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Service) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	tuneConn(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.options.IdleTimeout))
	header, err := ReadHeader(conn)
	if err != nil {
		// Malformed header: best-effort terminal error, then close.
		_ = WriteHeader(conn, Header{Status: StatusError, Error: "malformed header"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	verdict, denial := s.options.Gate.CheckTransfer(
		header.Op, header.Path, header.Token,
		header.PeerID, header.Signature, header.Timestamp,
		conn.RemoteAddr().String(),
	)
	if denial != nil {
		_ = WriteHeader(conn, Header{Status: StatusError, Error: denial.Reason})
		return
	}

	// Queue behind the concurrency cap.
	select {
	case s.slots <- struct{}{}:
	case <-s.closed:
		return
	}
	defer func() { <-s.slots }()

	if s.options.Counters != nil {
		s.options.Counters.TransferStarted()
		defer s.options.Counters.TransferFinished()
	}

	switch header.Op {
	case OpPush:
		s.handlePush(conn, header, verdict.PeerID)
	case OpPull:
		s.handlePull(conn, header, verdict.PeerID)
	case OpStat:
		s.handleStat(conn, header)
	default:
		_ = WriteHeader(conn, Header{Status: StatusError, Error: fmt.Sprintf("unknown op %q", header.Op)})
	}
}

func (s *Service) handlePush(conn net.Conn, header Header, peerID string) {
	if header.Size < 0 {
		_ = WriteHeader(conn, Header{Status: StatusError, Error: "invalid size"})
		return
	}

	target, err := provider.ResolvePath(s.options.Files.SandboxRoot(), header.Path)
	if err != nil {
		_ = WriteHeader(conn, Header{Status: StatusError, Error: err.Error()})
		return
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		_ = WriteHeader(conn, Header{Status: StatusError, Error: "create parent directory failed"})
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".push-*")
	if err != nil {
		_ = WriteHeader(conn, Header{Status: StatusError, Error: "create temp file failed"})
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	digest := sha256.New()
	written, err := copyN(io.MultiWriter(tmp, digest), conn, header.Size)
	closeErr := tmp.Close()
	if err == nil && written != header.Size {
		err = io.ErrUnexpectedEOF
	}
	if err != nil || closeErr != nil {
		s.logger.Warn("push aborted", "path", header.Path, "written", written, "error", err)
		_ = WriteHeader(conn, Header{Status: StatusError, Error: "push aborted"})
		return
	}
	if s.options.Counters != nil {
		s.options.Counters.AddBytes(written)
	}

	trailer, err := ReadTrailer(conn)
	if err != nil {
		s.logger.Warn("push missing trailer", "path", header.Path, "error", err)
		_ = WriteHeader(conn, Header{Status: StatusError, Error: "missing hash trailer"})
		return
	}

	serverHash := digest.Sum(nil)
	status := StatusOK
	if !zeroTrailer(trailer) && !hashEqual(trailer, serverHash) {
		status = StatusHashMismatch
	}

	if status == StatusOK {
		if err := os.Rename(tmpPath, target); err != nil {
			_ = WriteHeader(conn, Header{Status: StatusError, Error: "finalize file failed"})
			return
		}
	}

	s.record(OpPush, header.Path, peerID, written, status)
	_ = WriteHeader(conn, Header{
		Status: status,
		Size:   written,
		Hash:   hex.EncodeToString(serverHash),
	})
}

func (s *Service) handlePull(conn net.Conn, header Header, peerID string) {
	source, err := provider.ResolvePath(s.options.Files.SandboxRoot(), header.Path)
	if err != nil {
		_ = WriteHeader(conn, Header{Status: StatusError, Error: err.Error()})
		return
	}

	file, err := os.Open(source)
	if err != nil {
		_ = WriteHeader(conn, Header{Status: StatusError, Error: "open file failed"})
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		_ = WriteHeader(conn, Header{Status: StatusError, Error: "not a regular file"})
		return
	}

	if err := WriteHeader(conn, Header{Status: StatusOK, Size: info.Size()}); err != nil {
		return
	}

	digest := sha256.New()
	sent, err := copyBuffered(io.MultiWriter(conn, digest), file)
	if err != nil {
		s.logger.Warn("pull aborted", "path", header.Path, "sent", sent, "error", err)
		return
	}
	if s.options.Counters != nil {
		s.options.Counters.AddBytes(sent)
	}

	if _, err := conn.Write(digest.Sum(nil)); err != nil {
		return
	}

	s.record(OpPull, header.Path, peerID, sent, StatusOK)
}

func (s *Service) handleStat(conn net.Conn, header Header) {
	target, err := provider.ResolvePath(s.options.Files.SandboxRoot(), header.Path)
	if err != nil {
		_ = WriteHeader(conn, Header{Status: StatusError, Error: err.Error()})
		return
	}

	info, err := os.Stat(target)
	if err != nil {
		_ = WriteHeader(conn, Header{Status: StatusOK, Exists: false})
		return
	}

	_ = WriteHeader(conn, Header{
		Status: StatusOK,
		Exists: true,
		Size:   info.Size(),
		IsDir:  info.IsDir(),
		Mtime:  info.ModTime().UnixMilli(),
	})
}

func (s *Service) record(op, path, peerID string, bytes int64, status string) {
	if s.options.Recorder == nil {
		return
	}
	if err := s.options.Recorder.RecordTransfer(op, path, peerID, bytes, status); err != nil {
		s.logger.Warn("journal write failed", "error", err)
	}
}

func tuneConn(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(true)
	_ = tcpConn.SetReadBuffer(BufferSize)
	_ = tcpConn.SetWriteBuffer(BufferSize)
}

func copyN(dst io.Writer, src io.Reader, n int64) (int64, error) {
	buf := make([]byte, BufferSize)
	return io.CopyBuffer(dst, io.LimitReader(src, n), buf)
}

func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, BufferSize)
	return io.CopyBuffer(dst, src, buf)
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
