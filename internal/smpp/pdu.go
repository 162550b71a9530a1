// Package smpp implements the thin client-side slice of SMPP 3.4 this
// gateway needs: transceiver bind, windowed submit_sm, deliver_sm dispatch,
// enquire_link keepalive and unbind. It is not a general SMPP library.
package smpp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Command identifiers (SMPP 3.4).
const (
	CmdBindTransceiver     = 0x00000009
	CmdBindTransceiverResp = 0x80000009
	CmdSubmitSm            = 0x00000004
	CmdSubmitSmResp        = 0x80000004
	CmdDeliverSm           = 0x00000005
	CmdDeliverSmResp       = 0x80000005
	CmdUnbind              = 0x00000006
	CmdUnbindResp          = 0x80000006
	CmdEnquireLink         = 0x00000015
	CmdEnquireLinkResp     = 0x80000015
	CmdGenericNack         = 0x80000000
)

// Command statuses. StatusLocalError is not a wire value: it marks
// client-side failures (timeouts, broken pipe) in the retry decision.
const (
	StatusOK         = 0
	StatusSysErr     = 8
	StatusMsgQFull   = 20
	StatusThrottled  = 88
	StatusLocalError = -1
)

// InterfaceVersion34 is the only interface version this client speaks.
const InterfaceVersion34 byte = 0x34

// esm_class values used on submit.
const (
	EsmClassDefault byte = 0x00
	EsmClassUDHI    byte = 0x40
	// EsmClassDeliveryReceipt flags an inbound deliver_sm as a DLR.
	EsmClassDeliveryReceipt byte = 0x04
)

const pduHeaderLen = 16

// maxPDULen bounds inbound frames; anything larger is a framing error.
const maxPDULen = 4096

// Address is an SMPP address triplet.
type Address struct {
	TON  byte
	NPI  byte
	Addr string
}

// SubmitSm is an outbound short message PDU.
type SubmitSm struct {
	Source       Address
	Dest         Address
	EsmClass     byte
	RegisteredDL byte
	DataCoding   byte
	ShortMessage []byte
}

// SubmitSmResp is the carrier's answer to one submit_sm.
type SubmitSmResp struct {
	Seq           uint32
	CommandStatus int
	MessageID     string
}

// ResultMessage renders the command status for persistence next to the code.
func (r *SubmitSmResp) ResultMessage() string {
	if r.CommandStatus == StatusOK {
		return "OK"
	}
	return fmt.Sprintf("command_status=%d", r.CommandStatus)
}

/// DeliverSm is an inbound PDU: either a mobile-originated message or a
// delivery receipt, depending on EsmClass.
type DeliverSm struct {
	Seq          uint32
	Source       Address
	Dest         Address
	EsmClass     byte
	DataCoding   byte
	ShortMessage []byte
}

// IsDeliveryReceipt reports whether the DLR bit of esm_class is set.
func (d *DeliverSm) IsDeliveryReceipt() bool {
	return d.EsmClass&EsmClassDeliveryReceipt == EsmClassDeliveryReceipt
}

type header struct {
	length uint32
	id     uint32
	status uint32
	seq    uint32
}

func writeHeader(buf *bytes.Buffer, id, status, seq uint32, bodyLen int) {
	var h [pduHeaderLen]byte
	binary.BigEndian.PutUint32(h[0:4], uint32(pduHeaderLen+bodyLen))
	binary.BigEndian.PutUint32(h[4:8], id)
	binary.BigEndian.PutUint32(h[8:12], status)
	binary.BigEndian.PutUint32(h[12:16], seq)
	buf.Write(h[:])
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func readCString(r *bytes.Reader) (string, error) {
	var out []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
}

// marshalBindTransceiver builds the bind_transceiver frame.
func marshalBindTransceiver(seq uint32, systemID, password, systemType string, version byte) []byte {
	var body bytes.Buffer
	writeCString(&body, systemID)
	writeCString(&body, password)
	writeCString(&body, systemType)
	body.WriteByte(version)
	body.WriteByte(0) // addr_ton
	body.WriteByte(0) // addr_npi
	body.WriteByte(0) // address_range

	var buf bytes.Buffer
	writeHeader(&buf, CmdBindTransceiver, 0, seq, body.Len())
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// marshalSubmitSm builds the submit_sm frame.
func marshalSubmitSm(seq uint32, sm *SubmitSm) []byte {
	var body bytes.Buffer
	writeCString(&body, "") // service_type
	body.WriteByte(sm.Source.TON)
	body.WriteByte(sm.Source.NPI)
	writeCString(&body, sm.Source.Addr)
	body.WriteByte(sm.Dest.TON)
	body.WriteByte(sm.Dest.NPI)
	writeCString(&body, sm.Dest.Addr)
	body.WriteByte(sm.EsmClass)
	body.WriteByte(0)       // protocol_id
	body.WriteByte(0)       // priority_flag
	writeCString(&body, "") // schedule_delivery_time
	writeCString(&body, "") // validity_period
	body.WriteByte(sm.RegisteredDL)
	body.WriteByte(0) // replace_if_present
	body.WriteByte(sm.DataCoding)
	body.WriteByte(0) // sm_default_msg_id
	body.WriteByte(byte(len(sm.ShortMessage)))
	body.Write(sm.ShortMessage)

	var buf bytes.Buffer
	writeHeader(&buf, CmdSubmitSm, 0, seq, body.Len())
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// marshalEmpty builds a body-less frame (unbind, enquire_link and responses).
func marshalEmpty(id, status, seq uint32) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, id, status, seq, 0)
	return buf.Bytes()
}

// marshalDeliverSmResp acknowledges one inbound deliver_sm.
func marshalDeliverSmResp(seq uint32) []byte {
	var body bytes.Buffer
	writeCString(&body, "") // message_id

	var buf bytes.Buffer
	writeHeader(&buf, CmdDeliverSmResp, StatusOK, seq, body.Len())
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// readFrame reads one length-prefixed PDU frame off the wire.
func readFrame(r io.Reader) (header, []byte, error) {
	var raw [pduHeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return header{}, nil, err
	}
	h := header{
		length: binary.BigEndian.Uint32(raw[0:4]),
		id:     binary.BigEndian.Uint32(raw[4:8]),
		status: binary.BigEndian.Uint32(raw[8:12]),
		seq:    binary.BigEndian.Uint32(raw[12:16]),
	}
	if h.length < pduHeaderLen || h.length > maxPDULen {
		return header{}, nil, fmt.Errorf("smpp: invalid pdu length %d", h.length)
	}
	body := make([]byte, h.length-pduHeaderLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return header{}, nil, err
	}
	return h, body, nil
}

// unmarshalSubmitSmResp parses the body of a submit_sm_resp.
func unmarshalSubmitSmResp(h header, body []byte) *SubmitSmResp {
	resp := &SubmitSmResp{
		Seq:           h.seq,
		CommandStatus: int(int32(h.status)),
	}
	if len(body) > 0 {
		r := bytes.NewReader(body)
		if id, err := readCString(r); err == nil {
			resp.MessageID = id
		}
	}
	return resp
}

// unmarshalDeliverSm parses the body of a deliver_sm.
func unmarshalDeliverSm(h header, body []byte) (*DeliverSm, error) {
	r := bytes.NewReader(body)
	if _, err := readCString(r); err != nil { // service_type
		return nil, err
	}
	d := &DeliverSm{Seq: h.seq}

	var err error
	if d.Source, err = readAddress(r); err != nil {
		return nil, err
	}
	if d.Dest, err = readAddress(r); err != nil {
		return nil, err
	}
	fixed := make([]byte, 3)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, err
	}
	d.EsmClass = fixed[0] // then protocol_id, priority_flag
	if _, err := readCString(r); err != nil { // schedule_delivery_time
		return nil, err
	}
	if _, err := readCString(r); err != nil { // validity_period
		return nil, err
	}
	tail := make([]byte, 5)
	if _, err := io.ReadFull(r, tail); err != nil {
		return nil, err
	}
	// registered_delivery, replace_if_present, data_coding,
	// sm_default_msg_id, sm_length
	d.DataCoding = tail[2]
	smLen := int(tail[4])
	msg := make([]byte, smLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	d.ShortMessage = msg
	return d, nil
}

func readAddress(r *bytes.Reader) (Address, error) {
	ton, err := r.ReadByte()
	if err != nil {
		return Address{}, err
	}
	npi, err := r.ReadByte()
	if err != nil {
		return Address{}, err
	}
	addr, err := readCString(r)
	if err != nil {
		return Address{}, err
	}
	return Address{TON: ton, NPI: npi, Addr: addr}, nil
}
