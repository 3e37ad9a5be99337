// Package sixp implements the 6top Protocol (RFC 8480) messages and the
// negotiator that adds, deletes and relocates cells with a peer.
package sixp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/signalsfoundry/tsch-simulator/model"
)

// ErrMalformed is returned for bodies that cannot be decoded.
var ErrMalformed = errors.New("sixp: malformed message")

const (
	// Version is the 6P version carried in every header.
	Version uint8 = 0
	// SFID identifies the scheduling function.
	SFID uint8 = 0xf0

	headerLen  = 4
	requestLen = 4 // metadata, cell options, numCells
	cellLen    = 4
)

// MsgType is the 6P message type.
type MsgType uint8

const (
	TypeRequest MsgType = iota
	TypeResponse
	TypeConfirmation
)

func (t MsgType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeConfirmation:
		return "confirmation"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Code is a command identifier in requests and a return code in responses.
type Code uint8

// Commands.
const (
	CmdAdd      Code = 1
	CmdDelete   Code = 2
	CmdRelocate Code = 3
	CmdCount    Code = 4
	CmdList     Code = 5
	CmdSignal   Code = 6
	CmdClear    Code = 7
)

// Return codes.
const (
	RCSuccess     Code = 0
	RCEOL         Code = 1
	RCErr         Code = 2
	RCReset       Code = 3
	RCErrVersion  Code = 4
	RCErrSFID     Code = 5
	RCErrSeqNum   Code = 6
	RCErrCellList Code = 7
	RCErrBusy     Code = 8
	RCErrLocked   Code = 9
)

// CommandString names a command code.
func CommandString(c Code) string {
	switch c {
	case CmdAdd:
		return "add"
	case CmdDelete:
		return "delete"
	case CmdRelocate:
		return "relocate"
	case CmdCount:
		return "count"
	case CmdList:
		return "list"
	case CmdSignal:
		return "signal"
	case CmdClear:
		return "clear"
	default:
		return fmt.Sprintf("cmd(%d)", uint8(c))
	}
}

// ReturnCodeString names a return code.
func ReturnCodeString(c Code) string {
	switch c {
	case RCSuccess:
		return "success"
	case RCEOL:
		return "eol"
	case RCErr:
		return "err"
	case RCReset:
		return "reset"
	case RCErrVersion:
		return "err_version"
	case RCErrSFID:
		return "err_sfid"
	case RCErrSeqNum:
		return "err_seqnum"
	case RCErrCellList:
		return "err_celllist"
	case RCErrBusy:
		return "err_busy"
	case RCErrLocked:
		return "err_locked"
	default:
		return fmt.Sprintf("rc(%d)", uint8(c))
	}
}

// CellOptions is the 6P cell options bitmap.
type CellOptions uint8

const (
	CellOptionTX     CellOptions = 1 << 0
	CellOptionRX     CellOptions = 1 << 1
	CellOptionShared CellOptions = 1 << 2
)

// Message is a decoded 6P message.
//
// For ADD and DELETE requests Cells is the cell list; for RELOCATE requests
// Relocation holds the NumCells cells to vacate and Cells the candidates.
// Successful responses carry their cell list in Cells.
type Message struct {
	Type        MsgType
	Code        Code
	SFID        uint8
	Seq         uint8
	Metadata    uint16
	CellOptions CellOptions
	NumCells    uint8
	Relocation  []model.Cell
	Cells       []model.Cell
}

func (m *Message) isRequest() bool { return m.Type == TypeRequest }

// Marshal encodes the message.
func (m *Message) Marshal() ([]byte, error) {
	if m.Type > TypeConfirmation {
		return nil, fmt.Errorf("sixp: message type %d", m.Type)
	}
	size := headerLen + cellLen*(len(m.Cells)+len(m.Relocation))
	if m.isRequest() {
		size += requestLen
	}
	buf := make([]byte, 0, size)
	buf = append(buf, Version&0x0f|uint8(m.Type)<<4, uint8(m.Code), m.SFID, m.Seq)

	if m.isRequest() {
		if m.Code == CmdRelocate && len(m.Relocation) != int(m.NumCells) {
			return nil, fmt.Errorf("sixp: relocate numCells %d with %d relocation cells", m.NumCells, len(m.Relocation))
		}
		buf = binary.LittleEndian.AppendUint16(buf, m.Metadata)
		buf = append(buf, uint8(m.CellOptions), m.NumCells)
		buf = appendCells(buf, m.Relocation)
	} else if len(m.Relocation) > 0 {
		return nil, fmt.Errorf("sixp: relocation list in %s", m.Type)
	}
	buf = appendCells(buf, m.Cells)
	return buf, nil
}

func appendCells(buf []byte, cells []model.Cell) []byte {
	for _, c := range cells {
		buf = binary.LittleEndian.AppendUint16(buf, c.Timeslot)
		buf = binary.LittleEndian.AppendUint16(buf, c.ChannelOffset)
	}
	return buf
}

func readCells(b []byte) ([]model.Cell, error) {
	if len(b)%cellLen != 0 {
		return nil, fmt.Errorf("%w: cell list of %d bytes", ErrMalformed, len(b))
	}
	cells := make([]model.Cell, 0, len(b)/cellLen)
	for i := 0; i < len(b); i += cellLen {
		cells = append(cells, model.Cell{
			Timeslot:      binary.LittleEndian.Uint16(b[i:]),
			ChannelOffset: binary.LittleEndian.Uint16(b[i+2:]),
		})
	}
	return cells, nil
}

// Unmarshal decodes a 6P message.
func Unmarshal(buf []byte) (*Message, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: %d byte header", ErrMalformed, len(buf))
	}
	if v := buf[0] & 0x0f; v != Version {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, v)
	}
	m := &Message{
		Type: MsgType(buf[0] >> 4 & 0x03),
		Code: Code(buf[1]),
		SFID: buf[2],
		Seq:  buf[3],
	}
	body := buf[headerLen:]

	switch m.Type {
	case TypeRequest:
		if len(body) < requestLen {
			return nil, fmt.Errorf("%w: request body of %d bytes", ErrMalformed, len(body))
		}
		m.Metadata = binary.LittleEndian.Uint16(body)
		m.CellOptions = CellOptions(body[2])
		m.NumCells = body[3]
		body = body[requestLen:]
		switch m.Code {
		case CmdAdd, CmdDelete, CmdRelocate:
		default:
			return nil, fmt.Errorf("%w: unsupported command %s", ErrMalformed, CommandString(m.Code))
		}
		if m.Code == CmdRelocate {
			n := int(m.NumCells) * cellLen
			if len(body) < n {
				return nil, fmt.Errorf("%w: relocation list truncated", ErrMalformed)
			}
			rel, err := readCells(body[:n])
			if err != nil {
				return nil, err
			}
			m.Relocation = rel
			body = body[n:]
		}
	case TypeResponse, TypeConfirmation:
	default:
		return nil, fmt.Errorf("%w: type %d", ErrMalformed, m.Type)
	}

	cells, err := readCells(body)
	if err != nil {
		return nil, err
	}
	m.Cells = cells
	return m, nil
}
