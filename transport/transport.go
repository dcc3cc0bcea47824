// Package transport drives the CurveCP-style handshake over a TCP
// connection and reassembles the encrypted packet stream into delivered
// plaintext messages.
package transport

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hlandau/xlog"

	"github.com/splone/splonebox-client-go/curvecp"
	"github.com/splone/splonebox-client-go/keys"
	"github.com/splone/splonebox-client-go/noncestore"
)

var log, Log = xlog.New("transport")

// recvBufferSize mirrors the 1 MiB read chunk the msgpack wire format is
// sized around.
const recvBufferSize = 1024 * 1024

const cookiePacketLen = 168

// ErrDisconnected is returned by Send once the connection has been closed,
// whether by a call to Disconnect or by the remote end or a socket error.
var ErrDisconnected = fmt.Errorf("transport: connection is disconnected")

// Connection is a single handshaked, framed byte-stream session to the
// core. Exactly one goroutine reads from the underlying socket and invokes
// OnMessage; Send may be called concurrently from any number of
// goroutines.
type Connection struct {
	conn net.Conn
	ctx  *curvecp.Context

	onMessage    func([]byte)
	onDisconnect func(error)

	sendMu sync.Mutex

	mu            sync.Mutex
	disconnectErr error
	disconnected  chan struct{}
	closeOnce     sync.Once

	wg sync.WaitGroup
}

// Connect dials addr, performs the Hello/Cookie/Initiate handshake using lt
// and store, and starts the receive loop, delivering every successfully
// decrypted message to onMessage. onMessage must not block for long: it
// runs on the connection's single receive goroutine. onDisconnect, if
// non-nil, is invoked exactly once when the session ends, whether from a
// socket error, the remote end closing, or an explicit call to Disconnect;
// its error is nil only for the explicit-Disconnect case. A host wires this
// to core.Core.FailAll so no caller of Register/SendRun/Broadcast/Subscribe
// blocks forever once the transport is gone.
func Connect(addr string, lt *keys.LongTerm, store noncestore.Store, onMessage func([]byte), onDisconnect func(error)) (*Connection, error) {
	ctx, err := curvecp.NewContext(lt.ClientPublic, lt.ClientSecret, lt.ServerPublic, store)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	c := &Connection{
		conn:         conn,
		ctx:          ctx,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
		disconnected: make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.recvLoop()

	return c, nil
}

func (c *Connection) handshake() error {
	hello, err := c.ctx.Hello()
	if err != nil {
		return fmt.Errorf("transport: build hello: %w", err)
	}
	if _, err := c.conn.Write(hello); err != nil {
		return fmt.Errorf("transport: send hello: %w", err)
	}

	cookie := make([]byte, cookiePacketLen)
	if _, err := io.ReadFull(c.conn, cookie); err != nil {
		return fmt.Errorf("transport: receive cookie: %w", err)
	}

	initiate, err := c.ctx.Initiate(cookie)
	if err != nil {
		return fmt.Errorf("transport: build initiate: %w", err)
	}
	if _, err := c.conn.Write(initiate); err != nil {
		return fmt.Errorf("transport: send initiate: %w", err)
	}

	log.Info("crypto handshake complete")
	return nil
}

// Send encrypts and writes data as a single client message packet. Sends
// are serialized so the session nonce counter always advances
// consistently with what was actually written to the socket.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.disconnected:
		return ErrDisconnected
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	pkt, err := c.ctx.Write(data)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	if _, err := c.conn.Write(pkt); err != nil {
		c.fail(err)
		return ErrDisconnected
	}
	return nil
}

// Disconnect closes the underlying socket and waits for the receive loop to
// exit. Calling it more than once is a no-op.
func (c *Connection) Disconnect() {
	c.fail(nil)
	c.wg.Wait()
}

// Err returns the error that caused disconnection, or nil if Disconnect was
// called explicitly (a clean shutdown) or the connection is still open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectErr
}

func (c *Connection) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.disconnectErr = err
		c.mu.Unlock()

		c.conn.Close()
		c.ctx.Destroy()
		close(c.disconnected)

		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	})
}

// recvLoop accumulates bytes until VerifyLength succeeds, delivers and
// consumes every complete packet the buffer already holds, and on any
// authentication failure discards the entire buffer rather than trying to
// resynchronize.
func (c *Connection) recvLoop() {
	defer c.wg.Done()

	var buf []byte
	chunk := make([]byte, recvBufferSize)

	for {
		n, err := c.conn.Read(chunk)
		if err != nil {
			if err == io.EOF {
				log.Info("connection closed by remote")
			} else {
				log.Warningf("read error: %v", err)
			}
			c.fail(err)
			return
		}
		if n == 0 {
			continue
		}
		buf = append(buf, chunk[:n]...)

		for {
			length, verr := c.ctx.VerifyLength(buf)
			if verr == curvecp.ErrPacketTooShort {
				break
			}
			if verr != nil {
				log.Warninge(verr, "discarding receive buffer")
				buf = nil
				break
			}
			if len(buf) < length {
				break
			}

			plain, rerr := c.ctx.Read(buf[:length])
			if rerr != nil {
				log.Warninge(rerr, "discarding receive buffer")
				buf = nil
				break
			}

			buf = buf[length:]
			c.onMessage(plain)
		}
	}
}
