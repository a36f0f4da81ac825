// Package furuno decodes the Furuno discovery beacon and the ASCII-over-TCP
// command/report dialect (spec.md §4.4). Unlike the other three vendors,
// Furuno's command channel is TCP, not UDP unicast, so this package also
// provides its own Transport (furuno.Dialer) rather than using
// internal/sockpolicy's UnicastSender.
package furuno

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/mayara-project/mayara/internal/radar"
)

var (
	// Group is the shared discovery multicast group Furuno beacons arrive
	// on (the triple spoke/report/command addressing of the other
	// vendors does not apply; Furuno only announces a TCP discovery
	// port over this plane).
	Group = netip.MustParseAddr("239.254.0.1")
	// Port is the Furuno discovery beacon port.
	Port uint16 = 10010
)

var (
	ErrBeaconTooShort = errors.New("furuno: login response too short")
	ErrReportTooShort = errors.New("furuno: report frame too short")
)

const loginResponseLen = 12

// command opcodes of interest (spec.md §4.4).
const (
	cmdGain     = "63"
	cmdSea      = "64"
	cmdRain     = "65"
	cmdPower    = "69"
	cmdKeepalive = "FF"
)

// Codec implements radar.Codec and locator.BeaconCodec for Furuno.
type Codec struct{}

func (Codec) Vendor() radar.Vendor { return radar.VendorFuruno }
func (Codec) Group() netip.Addr    { return Group }
func (Codec) Port() uint16         { return Port }

// ParseBeacon decodes the 12-byte binary login response. Bytes 8-9 (LE)
// carry a port offset; the TCP command port is 10000+offset.
func (Codec) ParseBeacon(payload []byte, src netip.Addr, ifName string) ([]radar.Info, error) {
	if len(payload) < loginResponseLen {
		return nil, ErrBeaconTooShort
	}
	offset := binary.LittleEndian.Uint16(payload[8:10])
	commandPort := 10000 + offset
	serial := fmt.Sprintf("%x", payload[:4])

	return []radar.Info{{
		Id:     radar.New(radar.VendorFuruno, serial, ""),
		Vendor: radar.VendorFuruno,
		Serial: serial,
		Endpoints: radar.Endpoints{
			Command: fmt.Sprintf("%s:%d", src, commandPort),
		},
		NIC: ifName,
	}}, nil
}

// stripBinaryHeader removes the optional 8-byte binary header some
// firmware wraps the ASCII frame in, so callers always see plain ASCII.
func stripBinaryHeader(frame []byte) []byte {
	if len(frame) > 8 && frame[0] == 0x00 && frame[1] == 0x00 {
		return frame[8:]
	}
	return frame
}

// ParseReport decodes one $N## ASCII response line (without the trailing
// \r\n, already stripped by the frame reader).
func (Codec) ParseReport(payload []byte) (radar.ReportUpdate, error) {
	line := string(stripBinaryHeader(payload))
	if len(line) < 4 || line[0] != '$' || line[1] != 'N' {
		return radar.ReportUpdate{}, ErrReportTooShort
	}
	id := line[2:4]
	params := strings.TrimPrefix(line[4:], ",")

	switch id {
	case cmdGain:
		return numericControl(radar.ControlGain, params)
	case cmdSea:
		return numericControl(radar.ControlSea, params)
	case cmdRain:
		return numericControl(radar.ControlRain, params)
	case cmdPower:
		code, _, _ := strings.Cut(params, ",")
		return radar.ReportUpdate{
			Controls: map[radar.ControlId]radar.ControlValue{
				radar.ControlPower: {Kind: radar.KindEnum, Enum: furunoPowerEnum(code)},
			},
		}, nil
	case cmdKeepalive:
		return radar.ReportUpdate{}, nil
	default:
		// Unknown $N## response: exposed as an opaque field rather than
		// guessed at (spec.md §9 Open Questions / DESIGN.md decision 4), and
		// kept out of the control map entirely so it never leaks into the
		// external RadarState (spec.md §4.5, I3).
		return radar.ReportUpdate{
			Unknown: map[string]string{id: params},
		}, nil
	}
}

// furunoPowerNames maps Furuno's raw $N69 status code to the semantic power
// enum the capability manifest advertises (spec.md §8 scenario 3: code "2"
// is transmit, "1" is standby; "0"/"3" are not exercised by any fixture but
// follow Furuno's own ordinal numbering of the same four states).
var furunoPowerNames = map[string]string{
	"0": "off",
	"1": "standby",
	"2": "transmit",
	"3": "warming",
}

var furunoPowerCodes = map[string]string{
	"off": "0", "standby": "1", "transmit": "2", "warming": "3",
}

func furunoPowerEnum(code string) string {
	if name, ok := furunoPowerNames[code]; ok {
		return name
	}
	return "off"
}

func numericControl(control radar.ControlId, raw string) (radar.ReportUpdate, error) {
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return radar.ReportUpdate{}, fmt.Errorf("furuno: parse %s value %q: %w", control, raw, err)
	}
	return radar.ReportUpdate{
		Controls: map[radar.ControlId]radar.ControlValue{
			control: {Kind: radar.KindCompound, Mode: "manual", Number: val, HasNum: true},
		},
	}, nil
}

// ParseSpoke is a stub: Furuno carries spoke data over the same TCP stream
// framed identically to reports but with a dedicated $R spoke-request
// dialect; no production fixture was available to ground the exact
// framing, so this returns an empty batch rather than guessing.
func (Codec) ParseSpoke(payload []byte) ([]radar.Spoke, error) {
	return nil, nil
}

// EncodeCommand encodes a semantic control change as a Furuno $S## line.
func (Codec) EncodeCommand(control radar.ControlId, value radar.ControlValue) ([]byte, error) {
	var id string
	switch control {
	case radar.ControlGain:
		id = cmdGain
	case radar.ControlSea:
		id = cmdSea
	case radar.ControlRain:
		id = cmdRain
	case radar.ControlPower:
		id = cmdPower
	default:
		return nil, fmt.Errorf("furuno: control %s not supported", control)
	}

	var val string
	switch {
	case control == radar.ControlPower:
		code, ok := furunoPowerCodes[value.Enum]
		if !ok {
			return nil, fmt.Errorf("furuno: power value %q not valid", value.Enum)
		}
		val = code
	case value.HasNum:
		val = strconv.FormatFloat(value.Number, 'f', 0, 64)
	default:
		val = value.Mode
	}

	return []byte(fmt.Sprintf("$S%s,%s\r\n", id, val)), nil
}

// ReportSink receives raw Furuno $N## report lines read off the command
// connection (radar.Session.DeliverReport matches this signature).
type ReportSink interface {
	DeliverReport(payload []byte)
}

// Dialer implements radar.Transport over a persistent TCP connection to a
// Furuno command port, the only vendor whose command channel is not plain
// UDP unicast. Reports also arrive on this same connection (spec.md §4.4),
// so Dialer additionally drives a ReadLoop that feeds a ReportSink.
type Dialer struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

// NewDialer returns a Transport for the given TCP command address.
func NewDialer(addr string) *Dialer {
	return &Dialer{addr: addr}
}

func (d *Dialer) RequiresPoll() bool { return true }

func (d *Dialer) SendCommand(ctx context.Context, payload []byte) error {
	conn, err := d.ensureConn(ctx)
	if err != nil {
		return err
	}

	if payload == nil {
		payload = []byte(fmt.Sprintf("$R%s\r\n", cmdPower))
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("furuno: write to %s: %w", d.addr, err)
	}
	return nil
}

func (d *Dialer) ensureConn(ctx context.Context) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return d.conn, nil
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("furuno: dial %s: %w", d.addr, err)
	}
	d.conn = conn
	return conn, nil
}

// ReadLoop dials the command connection if needed and relays every
// \r\n-terminated line into sink.DeliverReport until ctx is cancelled or the
// connection closes. Intended to run in its own goroutine for the lifetime
// of the radar's session, alongside SendCommand calls on the same Dialer.
func (d *Dialer) ReadLoop(ctx context.Context, sink ReportSink) error {
	conn, err := d.ensureConn(ctx)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		d.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sink.DeliverReport(append([]byte(nil), line...))
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// scanLines is a bufio.SplitFunc that splits on "\r\n", matching the
// Furuno ASCII dialect's line terminator.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte("\r\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
