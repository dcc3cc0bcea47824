// Package curvecp implements the CurveCP-style mutual-authentication
// handshake and framed, nonce-ordered boxed packets splonebox-client-go
// uses to talk to the core.
//
// This implements a CurveCP-esque protocol on top of an ordinary reliable
// ordered bytestream (a TCP connection, driven by the transport package),
// not the UDP-based CurveCP of the original djb design.
package curvecp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/hlandau/xlog"
	"golang.org/x/crypto/nacl/box"

	"github.com/splone/splonebox-client-go/noncestore"
)

var log, Log = xlog.New("curvecp")

const (
	helloIdentifier    = "oqQN2kaH"
	cookieIdentifier   = "rZQTd2nC"
	initiateIdentifier = "oqQN2kaI"
	clientMsgIdentifer = "oqQN2kaM"
	serverMsgIdentifer = "rZQTd2nM"

	helloLen  = 192
	cookieLen = 168

	// minimum bytes needed before VerifyLength can even attempt to read
	// the length prefix of a server message packet: 8 id + 8 nonce + 24
	// length box.
	minMessageHeaderLen = 40
)

// ErrPacketTooShort signals that the buffer handed to VerifyLength does not
// yet contain enough bytes to know the packet's length; it is not a
// protocol violation, just "wait for more bytes".
var ErrPacketTooShort = fmt.Errorf("curvecp: packet too short")

// InvalidPacketError is returned for any packet that fails identifier,
// nonce or authentication checks. It is always fatal to the reassembly
// buffer (the caller must discard everything it has buffered).
type InvalidPacketError struct {
	Reason string
}

func (e *InvalidPacketError) Error() string {
	return "curvecp: invalid packet: " + e.Reason
}

func invalid(reason string) error {
	return &InvalidPacketError{Reason: reason}
}

// Context holds the per-session cryptographic state: long-term keys,
// short-term keys, the session nonce counter, and the persistent
// vouch-nonce store used to authenticate the Initiate packet's vouch box.
//
// Each method locks the Context, so the session nonce counter itself is
// never corrupted by concurrent calls; keeping packets on the socket in the
// order Write produced them is left to the caller, and
// transport.Connection does that by serializing its sends.
type Context struct {
	clientLongPub, clientLongSec [32]byte
	serverLongPub                [32]byte

	clientShortPub, clientShortSec [32]byte
	serverShortPub                 [32]byte

	store noncestore.Store

	mu                sync.Mutex
	nonce             uint64 // session nonce counter, client-owned: odd, strictly increasing
	lastReceivedNonce uint64 // server-owned: even, strictly increasing

	established bool
}

// NewContext constructs a Context from the client's long-term keypair, the
// server's long-term public key, and a persistent nonce store for vouch
// nonces.
func NewContext(clientLongPub, clientLongSec, serverLongPub [32]byte, store noncestore.Store) (*Context, error) {
	seed, err := cryptoRandomMod(new(big.Int).Lsh(big.NewInt(1), 48))
	if err != nil {
		return nil, err
	}
	nonce := seed.Uint64()
	if nonce%2 == 0 {
		nonce++
	}

	return &Context{
		clientLongPub:  clientLongPub,
		clientLongSec:  clientLongSec,
		serverLongPub:  serverLongPub,
		store:          store,
		nonce:          nonce,
	}, nil
}

// cryptoRandomMod draws a random integer in [0, mod) by reducing 32 random
// bytes modulo mod. Drawing 32 bytes, far more than the 6 bytes of the
// largest mod this is ever called with (2^48), keeps the modulo bias
// negligible, unlike a single bounded draw reduced mod a small value.
func cryptoRandomMod(mod *big.Int) (*big.Int, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(buf)
	return n.Mod(n, mod), nil
}

// Established reports whether a valid Initiate packet has been emitted and
// sends may proceed.
func (c *Context) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// Destroy zeroes the short-term secret key. Call on disconnect.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.clientShortSec {
		c.clientShortSec[i] = 0
	}
}

func (c *Context) nextNonce() uint64 {
	// caller holds c.mu
	c.nonce += 2
	return c.nonce
}

func nonceLabel(label string, counter uint64) *[24]byte {
	var n [24]byte
	copy(n[:], label)
	binary.LittleEndian.PutUint64(n[16:24], counter)
	return &n
}

// Hello builds the 192-byte client Hello packet (8 id + 32 short-term
// public key + 64 zeros + 8 nonce + 80 box) and generates the
// session's client short-term keypair.
func (c *Context) Hello() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("curvecp: generate short-term keypair: %w", err)
	}
	c.clientShortPub = *pub
	c.clientShortSec = *sec

	counter := c.nextNonce()
	nonce := nonceLabel("splonebox-client-H", counter)

	var zeros [64]byte
	boxed := box.Seal(nil, zeros[:], nonce, &c.serverLongPub, &c.clientShortSec)

	buf := make([]byte, 0, helloLen)
	buf = append(buf, helloIdentifier...)
	buf = append(buf, c.clientShortPub[:]...)
	buf = append(buf, zeros[:]...)
	var counterLE [8]byte
	binary.LittleEndian.PutUint64(counterLE[:], counter)
	buf = append(buf, counterLE[:]...)
	buf = append(buf, boxed...)

	if len(buf) != helloLen {
		return nil, fmt.Errorf("curvecp: internal error: hello packet has length %d, want %d", len(buf), helloLen)
	}

	return buf, nil
}

// verifyCookiePacket validates the 168-byte Cookie packet and returns the
// 96-byte opaque cookie to echo back in Initiate, having stashed the
// server's short-term public key it reveals.
func (c *Context) verifyCookiePacket(pkt []byte) ([]byte, error) {
	if len(pkt) != cookieLen {
		return nil, invalid("cookie packet has invalid length")
	}
	if string(pkt[0:8]) != cookieIdentifier {
		return nil, invalid("received identifier is bad")
	}

	serverNonce := pkt[8:24]
	nonce := nonceLabelBytes("splonePK", serverNonce)

	payload, ok := box.Open(nil, pkt[24:], nonce, &c.serverLongPub, &c.clientShortSec)
	if !ok {
		return nil, invalid("failed to open cookie packet box")
	}
	if len(payload) != 128 {
		return nil, invalid("cookie payload has invalid length")
	}

	copy(c.serverShortPub[:], payload[0:32])
	cookie := make([]byte, 96)
	copy(cookie, payload[32:128])

	return cookie, nil
}

func nonceLabelBytes(label string, counterBytes []byte) *[24]byte {
	var n [24]byte
	copy(n[:], label)
	copy(n[len(label):], counterBytes)
	return &n
}

// Initiate validates cookiePacket and builds the client Initiate packet,
// drawing a fresh nonce from the persistent vouch-nonce store. After
// Initiate returns successfully the session latches Established and
// Write/Read may be used.
func (c *Context) Initiate(cookiePacket []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cookie, err := c.verifyCookiePacket(cookiePacket)
	if err != nil {
		return nil, err
	}

	vouchNonce, err := c.store.Next()
	if err != nil {
		return nil, fmt.Errorf("curvecp: draw vouch nonce: %w", err)
	}
	vouchNonceFull := nonceLabelBytes("splonePV", vouchNonce[:])

	vouchPayload := make([]byte, 0, 64)
	vouchPayload = append(vouchPayload, c.clientShortPub[:]...)
	vouchPayload = append(vouchPayload, c.serverShortPub[:]...)

	vouchBox := box.Seal(nil, vouchPayload, vouchNonceFull, &c.serverLongPub, &c.clientLongSec)

	payload := make([]byte, 0, 32+16+len(vouchBox))
	payload = append(payload, c.clientLongPub[:]...)
	payload = append(payload, vouchNonce[:]...)
	payload = append(payload, vouchBox...)

	counter := c.nextNonce()
	payloadNonce := nonceLabel("splonebox-client", counter)
	payloadBox := box.Seal(nil, payload, payloadNonce, &c.serverShortPub, &c.clientShortSec)

	buf := make([]byte, 0, 8+96+8+len(payloadBox))
	buf = append(buf, initiateIdentifier...)
	buf = append(buf, cookie...)
	var counterLE [8]byte
	binary.LittleEndian.PutUint64(counterLE[:], counter)
	buf = append(buf, counterLE[:]...)
	buf = append(buf, payloadBox...)

	c.established = true

	return buf, nil
}

// VerifyLength extracts and authenticates the length prefix of a server
// message packet. It returns ErrPacketTooShort if buf does not yet contain
// a full length box (a benign "need more bytes" signal, not a protocol
// violation), and an *InvalidPacketError for any other failure.
func (c *Context) VerifyLength(buf []byte) (int, error) {
	if len(buf) < minMessageHeaderLen {
		return 0, ErrPacketTooShort
	}

	if string(buf[0:8]) != serverMsgIdentifer {
		return 0, invalid("received identifier is bad")
	}

	nonceCounter := binary.LittleEndian.Uint64(buf[8:16])
	nonce := nonceLabel("splonebox-server", nonceCounter)

	c.mu.Lock()
	serverShortPub := c.serverShortPub
	clientShortSec := c.clientShortSec
	c.mu.Unlock()

	plain, ok := box.Open(nil, buf[16:40], nonce, &serverShortPub, &clientShortSec)
	if !ok {
		return 0, invalid("failed to verify length of message packet")
	}
	if len(plain) != 8 {
		return 0, invalid("length box has wrong plaintext size")
	}

	length := binary.LittleEndian.Uint64(plain)
	return int(length), nil
}

// Read opens a complete server message packet of exactly the length
// VerifyLength returned, enforcing nonce monotonicity: nonces must be
// strictly greater than the last accepted nonce and even. The
// last-received nonce is updated only after a full successful decrypt, so
// an authentication failure never advances replay state.
func (c *Context) Read(buf []byte) ([]byte, error) {
	length, err := c.VerifyLength(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < length {
		return nil, ErrPacketTooShort
	}
	buf = buf[:length]

	nonceCounter := binary.LittleEndian.Uint64(buf[8:16])

	c.mu.Lock()
	if nonceCounter <= c.lastReceivedNonce || nonceCounter%2 != 0 {
		c.mu.Unlock()
		return nil, invalid("invalid nonce")
	}
	serverShortPub := c.serverShortPub
	clientShortSec := c.clientShortSec
	c.mu.Unlock()

	nonce := nonceLabel("splonebox-server", nonceCounter+2)
	plain, ok := box.Open(nil, buf[40:], nonce, &serverShortPub, &clientShortSec)
	if !ok {
		return nil, invalid("failed to unbox message")
	}

	c.mu.Lock()
	c.lastReceivedNonce = nonceCounter
	c.mu.Unlock()

	return plain, nil
}

// Write builds a client message packet carrying data as its payload. Two
// fresh nonces are drawn (N for the length box, N+2 for the payload box);
// the session nonce counter ends up stepped by exactly 4 so the next Write
// starts at N+4.
func (c *Context) Write(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.established {
		return nil, fmt.Errorf("curvecp: session not established")
	}

	lengthCounter := c.nextNonce()
	length := uint64(56 + len(data))
	var lengthPlain [8]byte
	binary.LittleEndian.PutUint64(lengthPlain[:], length)
	lengthNonce := nonceLabel("splonebox-client", lengthCounter)
	lengthBox := box.Seal(nil, lengthPlain[:], lengthNonce, &c.serverShortPub, &c.clientShortSec)

	payloadCounter := c.nextNonce()
	payloadNonce := nonceLabel("splonebox-client", payloadCounter)
	payloadBox := box.Seal(nil, data, payloadNonce, &c.serverShortPub, &c.clientShortSec)

	buf := make([]byte, 0, 8+8+len(lengthBox)+len(payloadBox))
	buf = append(buf, clientMsgIdentifer...)
	var counterLE [8]byte
	binary.LittleEndian.PutUint64(counterLE[:], lengthCounter)
	buf = append(buf, counterLE[:]...)
	buf = append(buf, lengthBox...)
	buf = append(buf, payloadBox...)

	return buf, nil
}
