package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/GuilhermeP96/adb-toolkit/crypto"
)

// Credentials authenticate an outbound transfer connection: either a
// controller token, or a peer identity with its shared secret.
type Credentials struct {
	Token  string
	PeerID string
	Secret []byte
}

func (c Credentials) apply(header *Header) {
	if c.PeerID != "" {
		header.PeerID = c.PeerID
		header.Timestamp = strconv.FormatInt(time.Now().UnixMilli(), 10)
		header.Signature = crypto.Sign(c.Secret, header.Op+"|"+header.Path+"|"+header.Timestamp)
		return
	}
	header.Token = c.Token
}

// PushResult reports a completed push.
type PushResult struct {
	Status string `json:"status"`
	Bytes  int64  `json:"bytes"`
	Hash   string `json:"hash"`
}

// Push streams a local file to a remote agent's transfer port.
func Push(ctx context.Context, address, localPath, remotePath string, creds Credentials) (*PushResult, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open local file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat local file: %w", err)
	}

	conn, err := dial(ctx, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	header := Header{Op: OpPush, Path: remotePath, Size: info.Size()}
	creds.apply(&header)
	if err := WriteHeader(conn, header); err != nil {
		return nil, err
	}

	digest := sha256.New()
	if _, err := copyBuffered(io.MultiWriter(conn, digest), file); err != nil {
		return nil, fmt.Errorf("stream payload: %w", err)
	}
	if _, err := conn.Write(digest.Sum(nil)); err != nil {
		return nil, fmt.Errorf("write hash trailer: %w", err)
	}

	response, err := ReadHeader(conn)
	if err != nil {
		return nil, err
	}
	if response.Status == StatusError {
		return nil, fmt.Errorf("push rejected: %s", response.Error)
	}

	return &PushResult{Status: response.Status, Bytes: response.Size, Hash: response.Hash}, nil
}

// PullResult reports a completed pull.
type PullResult struct {
	Status    string `json:"status"`
	Bytes     int64  `json:"bytes"`
	LocalHash string `json:"local_hash"`
	PeerHash  string `json:"peer_hash"`
	HashMatch bool   `json:"hash_match"`
}

// Pull fetches a remote file into localPath.
func Pull(ctx context.Context, address, remotePath, localPath string, creds Credentials) (*PullResult, error) {
	conn, err := dial(ctx, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	header := Header{Op: OpPull, Path: remotePath}
	creds.apply(&header)
	if err := WriteHeader(conn, header); err != nil {
		return nil, err
	}

	response, err := ReadHeader(conn)
	if err != nil {
		return nil, err
	}
	if response.Status != StatusOK {
		return nil, fmt.Errorf("pull rejected: %s", response.Error)
	}

	file, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("create local file: %w", err)
	}
	defer file.Close()

	digest := sha256.New()
	received, err := copyN(io.MultiWriter(file, digest), conn, response.Size)
	if err != nil {
		return nil, fmt.Errorf("stream payload: %w", err)
	}
	if received != response.Size {
		return nil, io.ErrUnexpectedEOF
	}

	trailer, err := ReadTrailer(conn)
	if err != nil {
		return nil, err
	}

	localHash := hex.EncodeToString(digest.Sum(nil))
	peerHash := hex.EncodeToString(trailer)
	return &PullResult{
		Status:    StatusOK,
		Bytes:     received,
		LocalHash: localHash,
		PeerHash:  peerHash,
		HashMatch: localHash == peerHash,
	}, nil
}

// Stat queries a remote path without moving data.
func Stat(ctx context.Context, address, remotePath string, creds Credentials) (*Header, error) {
	conn, err := dial(ctx, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	header := Header{Op: OpStat, Path: remotePath}
	creds.apply(&header)
	if err := WriteHeader(conn, header); err != nil {
		return nil, err
	}

	response, err := ReadHeader(conn)
	if err != nil {
		return nil, err
	}
	if response.Status == StatusError {
		return nil, fmt.Errorf("stat rejected: %s", response.Error)
	}

	return &response, nil
}

func dial(ctx context.Context, address string) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	tuneConn(conn)
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}
