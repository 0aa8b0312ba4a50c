package wire

import (
	"bufio"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/syncbox/syncbox/pkg/errors"
)

// DefaultChunkSize is the unit of streamed transfers. Progress and
// throttling are applied per chunk.
const DefaultChunkSize = 64 * 1024

// BlobChecksum is the checksum placeholder on framing lines that precede
// serialized blobs (mappings, user lists) rather than file contents.
const BlobChecksum = "-"

// A Conn speaks the line protocol over a duplex byte stream: newline
// terminated ASCII command lines interleaved with raw length-prefixed
// payloads. All reads honor the connection's idle timeout.
type Conn struct {
	raw     net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
}

// NewConn wraps a network connection. `timeout` is the idle read deadline
// applied to every blocking read.
func NewConn(raw net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		raw:     raw,
		r:       bufio.NewReader(raw),
		w:       bufio.NewWriter(raw),
		timeout: timeout,
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// IsTimeout reports whether `err` is a read that hit the idle deadline
// with no data. On notification channels this is "nothing yet", not an
// error.
func IsTimeout(err error) bool {
	netErr, ok := errors.RootCause(err).(net.Error)
	return ok && netErr.Timeout()
}

// ReadLine reads one newline-terminated line, without the terminator.
func (c *Conn) ReadLine() (string, error) {
	if err := c.raw.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", errors.WithContext(err, "set deadline")
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return "", errors.ErrConnectionClosed
		}
		return "", errors.WithContext(err, "read line")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadCommand reads and parses the next command line.
func (c *Conn) ReadCommand() (Command, error) {
	line, err := c.ReadLine()
	if err != nil {
		return Command{}, err
	}
	return ParseCommand(line)
}

// ReadToken reads a response token line (OK, NO, or NO_USER).
func (c *Conn) ReadToken() (string, error) {
	line, err := c.ReadLine()
	if err != nil {
		return "", err
	}
	switch line {
	case TokenOK, TokenNo, TokenNoUser:
		return line, nil
	default:
		return "", errors.ProtocolError{Line: line, Reason: "expected response token"}
	}
}

// WriteLine writes one line and flushes it to the peer.
func (c *Conn) WriteLine(line string) error {
	if err := c.raw.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return errors.WithContext(err, "set deadline")
	}
	if _, err := c.w.WriteString(line + "\n"); err != nil {
		return errors.WithContext(err, "write line")
	}
	if err := c.w.Flush(); err != nil {
		return errors.WithContext(err, "flush")
	}
	return nil
}

// WriteCommand writes a command line.
func (c *Conn) WriteCommand(cmd Command) error {
	return c.WriteLine(cmd.String())
}

// WriteToken writes a response token.
func (c *Conn) WriteToken(token string) error {
	return c.WriteLine(token)
}

// SendBlob writes a framing line followed by the raw payload bytes. The
// framing line is UpdateFile-shaped; its size field is the payload length
// and its file field names the payload (e.g. "mapping").
func (c *Conn) SendBlob(user, name string, payload []byte) error {
	frame := Command{
		Kind:     UpdateFile,
		User:     user,
		File:     name,
		Size:     int64(len(payload)),
		Checksum: BlobChecksum,
	}
	if err := c.WriteCommand(frame); err != nil {
		return err
	}
	return c.SendStream(strings.NewReader(string(payload)), int64(len(payload)), StreamOptions{})
}

// ReadBlob reads a framing line and then exactly the number of raw bytes
// it announces. Line-oriented reads resume after the payload.
func (c *Conn) ReadBlob() (Command, []byte, error) {
	frame, err := c.ReadCommand()
	if err != nil {
		return Command{}, nil, err
	}
	if frame.Kind != UpdateFile {
		return Command{}, nil, errors.ProtocolError{
			Line: frame.String(), Reason: "expected a framing line"}
	}

	var buf strings.Builder
	if err := c.ReceiveStream(&buf, frame.Size, StreamOptions{}); err != nil {
		return Command{}, nil, err
	}
	return frame, []byte(buf.String()), nil
}

// StreamOptions shape a bulk transfer. The zero value streams as fast as
// possible with no progress reporting.
type StreamOptions struct {
	// ChunkSize overrides DefaultChunkSize when positive.
	ChunkSize int

	// Throttle pauses between chunks, for network shaping and tests.
	Throttle time.Duration

	// Clock performs the throttle sleeps. Defaults to the real clock.
	Clock clockwork.Clock

	// Progress, if set, is called with the completed percentage after
	// every chunk.
	Progress func(percent int)
}

func (opts StreamOptions) chunkSize() int {
	if opts.ChunkSize > 0 {
		return opts.ChunkSize
	}
	return DefaultChunkSize
}

func (opts StreamOptions) clock() clockwork.Clock {
	if opts.Clock != nil {
		return opts.Clock
	}
	return clockwork.NewRealClock()
}

// SendStream copies exactly `size` bytes from `src` to the peer.
func (c *Conn) SendStream(src io.Reader, size int64, opts StreamOptions) error {
	clock := opts.clock()
	chunk := int64(opts.chunkSize())

	for sent := int64(0); sent < size; {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return errors.WithContext(err, "set deadline")
		}

		n := chunk
		if remaining := size - sent; remaining < n {
			n = remaining
		}
		if _, err := io.CopyN(c.w, src, n); err != nil {
			return errors.WithContext(err, "send chunk")
		}
		sent += n

		if opts.Progress != nil {
			opts.Progress(percent(sent, size))
		}
		if opts.Throttle > 0 && sent < size {
			clock.Sleep(opts.Throttle)
		}
	}
	if err := c.w.Flush(); err != nil {
		return errors.WithContext(err, "flush")
	}
	if opts.Progress != nil && size == 0 {
		opts.Progress(100)
	}
	return nil
}

// ReceiveStream copies exactly `size` bytes from the peer into `dst`.
func (c *Conn) ReceiveStream(dst io.Writer, size int64, opts StreamOptions) error {
	clock := opts.clock()
	chunk := int64(opts.chunkSize())

	for received := int64(0); received < size; {
		if err := c.raw.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return errors.WithContext(err, "set deadline")
		}

		n := chunk
		if remaining := size - received; remaining < n {
			n = remaining
		}
		if _, err := io.CopyN(dst, c.r, n); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return errors.ErrConnectionClosed
			}
			return errors.WithContext(err, "receive chunk")
		}
		received += n

		if opts.Progress != nil {
			opts.Progress(percent(received, size))
		}
		if opts.Throttle > 0 && received < size {
			clock.Sleep(opts.Throttle)
		}
	}
	if opts.Progress != nil && size == 0 {
		opts.Progress(100)
	}
	return nil
}

func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(done * 100 / total)
}
