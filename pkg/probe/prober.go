package probe

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Classification is the TLS posture of a probed backend.
type Classification string

const (
	// ClassUnreachable: the TCP connect failed.
	ClassUnreachable Classification = "unreachable"

	// ClassPlaintext: the backend answered a plaintext MongoDB handshake
	// with a structurally valid reply.
	ClassPlaintext Classification = "plaintext"

	// ClassTLSRequired: the backend rejected plaintext but completed a TLS
	// handshake.
	ClassTLSRequired Classification = "tls_required"

	// ClassAmbiguous: neither plaintext nor TLS could be confirmed. The
	// orchestrator treats this as TLS-required.
	ClassAmbiguous Classification = "ambiguous"
)

// RequiresPassthrough reports whether an L4 route for this classification
// should enable TLS passthrough. Everything except a confirmed plaintext
// backend gets passthrough, the safer default.
func (c Classification) RequiresPassthrough() bool {
	return c != ClassPlaintext
}

// Result is the outcome of a probe run.
type Result struct {
	// Classification is the backend's TLS posture.
	Classification Classification `json:"classification"`

	// ConnectLatency is the TCP connect round trip, when it succeeded.
	ConnectLatency time.Duration `json:"connect_latency_ms"`

	// Detail describes what each probe step observed.
	Detail string `json:"detail,omitempty"`
}

// Prober classifies backends. The zero value is not usable; use NewProber.
type Prober struct {
	connectTimeout time.Duration
	replyTimeout   time.Duration

	// dial is injectable for tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewProber creates a prober with the standard timeouts: 5s TCP connect,
// 2s handshake reply, 5s TLS handshake.
func NewProber() *Prober {
	d := &net.Dialer{Timeout: 5 * time.Second}
	return &Prober{
		connectTimeout: 5 * time.Second,
		replyTimeout:   2 * time.Second,
		dial:           d.DialContext,
	}
}

// Classify probes (host, port) and returns its TLS posture.
//
// Sequence:
//  1. TCP connect; failure classifies as unreachable.
//  2. Plaintext MongoDB handshake; a structurally valid reply within the
//     reply timeout classifies as plaintext.
//  3. TLS handshake (no verification); success classifies as TLS-required,
//     failure as ambiguous.
func (p *Prober) Classify(ctx context.Context, host string, port int) Result {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	start := time.Now()
	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return Result{
			Classification: ClassUnreachable,
			Detail:         fmt.Sprintf("tcp connect failed: %v", err),
		}
	}
	latency := time.Since(start)

	plaintextOK, detail := p.tryPlaintextHandshake(conn)
	conn.Close()
	if plaintextOK {
		return Result{
			Classification: ClassPlaintext,
			ConnectLatency: latency,
			Detail:         "backend answered plaintext isMaster",
		}
	}

	if p.tryTLSHandshake(ctx, addr) {
		return Result{
			Classification: ClassTLSRequired,
			ConnectLatency: latency,
			Detail:         "plaintext rejected, TLS handshake completed",
		}
	}

	return Result{
		Classification: ClassAmbiguous,
		ConnectLatency: latency,
		Detail:         fmt.Sprintf("neither plaintext nor TLS confirmed (%s)", detail),
	}
}

// tryPlaintextHandshake sends a synthetic isMaster query and reports whether
// a structurally valid OP_REPLY or OP_MSG header arrived within the reply
// timeout.
func (p *Prober) tryPlaintextHandshake(conn net.Conn) (bool, string) {
	const requestID = 0x4d44 // arbitrary, echoed back in responseTo

	msg := isMasterQuery(requestID)
	conn.SetDeadline(time.Now().Add(p.replyTimeout))

	if _, err := conn.Write(msg); err != nil {
		return false, fmt.Sprintf("write failed: %v", err)
	}

	header := make([]byte, 16)
	if _, err := io.ReadFull(conn, header); err != nil {
		return false, fmt.Sprintf("no reply header: %v", err)
	}

	return validReplyHeader(header, requestID)
}

// tryTLSHandshake attempts a TLS handshake without certificate verification.
func (p *Prober) tryTLSHandshake(ctx context.Context, addr string) bool {
	raw, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	defer raw.Close()

	raw.SetDeadline(time.Now().Add(p.connectTimeout))
	tconn := tls.Client(raw, &tls.Config{
		InsecureSkipVerify: true, // posture probe only, nothing is trusted
	})
	return tconn.HandshakeContext(ctx) == nil
}

// MongoDB wire protocol constants for the legacy handshake.
const (
	opQuery = 2004
	opReply = 1
	opMsg   = 2013
)

// isMasterQuery builds an OP_QUERY isMaster against admin.$cmd, the
// handshake every MongoDB version answers regardless of API level.
func isMasterQuery(requestID int32) []byte {
	collection := []byte("admin.$cmd\x00")

	// BSON document {isMaster: 1}
	bson := make([]byte, 0, 19)
	bson = appendInt32(bson, 19) // document length
	bson = append(bson, 0x10)    // int32 element
	bson = append(bson, []byte("isMaster\x00")...)
	bson = appendInt32(bson, 1)
	bson = append(bson, 0x00) // terminator

	bodyLen := 16 + 4 + len(collection) + 4 + 4 + len(bson)

	msg := make([]byte, 0, bodyLen)
	msg = appendInt32(msg, int32(bodyLen)) // messageLength
	msg = appendInt32(msg, requestID)
	msg = appendInt32(msg, 0) // responseTo
	msg = appendInt32(msg, opQuery)
	msg = appendInt32(msg, 0) // flags
	msg = append(msg, collection...)
	msg = appendInt32(msg, 0)  // numberToSkip
	msg = appendInt32(msg, -1) // numberToReturn
	msg = append(msg, bson...)
	return msg
}

// validReplyHeader checks the 16-byte wire header for structural validity:
// a sane message length, a reply opcode, and a responseTo matching our
// request. Anything else (including TLS alerts misread as length prefixes)
// fails the check.
func validReplyHeader(header []byte, requestID int32) (bool, string) {
	msgLen := int32(binary.LittleEndian.Uint32(header[0:4]))
	responseTo := int32(binary.LittleEndian.Uint32(header[8:12]))
	opCode := int32(binary.LittleEndian.Uint32(header[12:16]))

	if msgLen < 16 || msgLen > 48*1024*1024 {
		return false, fmt.Sprintf("implausible message length %d", msgLen)
	}
	if opCode != opReply && opCode != opMsg {
		return false, fmt.Sprintf("unexpected opcode %d", opCode)
	}
	if responseTo != requestID {
		return false, fmt.Sprintf("responseTo %d does not match request %d", responseTo, requestID)
	}
	return true, ""
}

func appendInt32(b []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}
