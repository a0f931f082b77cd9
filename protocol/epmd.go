package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EPMD request and response tags.
const (
	EPMDPortPlease2Req byte = 'z'
	EPMDPort2Resp      byte = 'w'
	EPMDAlive2Req      byte = 'x'
	EPMDAlive2Resp     byte = 'y'
	EPMDAlive2XResp    byte = 'v'

	DefaultEPMDPort = 4369

	NodeTypeHidden byte = 72
	NodeTypeNormal byte = 77
)

// NodeInfo describes a node registered with EPMD.
type NodeInfo struct {
	Name        string
	Port        uint16
	NodeType    byte
	Protocol    byte
	HighVersion uint16
	LowVersion  uint16
	Extra       []byte
}

// EncodePortPlease builds a PORT_PLEASE2_REQ body for alias.
func EncodePortPlease(alias string) []byte {
	return append([]byte{EPMDPortPlease2Req}, alias...)
}

// WritePortResponse writes a PORT2_RESP. A nil info reports "not found".
// The response is not length framed.
func WritePortResponse(w io.Writer, info *NodeInfo) error {
	if info == nil {
		_, err := w.Write([]byte{EPMDPort2Resp, 1})
		return err
	}
	buf := []byte{EPMDPort2Resp, 0}
	buf = binary.BigEndian.AppendUint16(buf, info.Port)
	buf = append(buf, info.NodeType, info.Protocol)
	buf = binary.BigEndian.AppendUint16(buf, info.HighVersion)
	buf = binary.BigEndian.AppendUint16(buf, info.LowVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(info.Name)))
	buf = append(buf, info.Name...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(info.Extra)))
	buf = append(buf, info.Extra...)
	_, err := w.Write(buf)
	return err
}

// ReadPortResponse reads a PORT2_RESP from r.
func ReadPortResponse(r io.Reader) (*NodeInfo, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	if head[0] != EPMDPort2Resp {
		return nil, fmt.Errorf("%w: tag %d", ErrBadEPMDResponse, head[0])
	}
	if head[1] != 0 {
		return nil, ErrNodeNotFound
	}

	fixed := make([]byte, 10)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, err
	}
	info := &NodeInfo{
		Port:        binary.BigEndian.Uint16(fixed[0:2]),
		NodeType:    fixed[2],
		Protocol:    fixed[3],
		HighVersion: binary.BigEndian.Uint16(fixed[4:6]),
		LowVersion:  binary.BigEndian.Uint16(fixed[6:8]),
	}
	name := make([]byte, binary.BigEndian.Uint16(fixed[8:10]))
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, err
	}
	info.Name = string(name)

	elen := make([]byte, 2)
	if _, err := io.ReadFull(r, elen); err != nil {
		return nil, err
	}
	info.Extra = make([]byte, binary.BigEndian.Uint16(elen))
	if _, err := io.ReadFull(r, info.Extra); err != nil {
		return nil, err
	}
	return info, nil
}

// EncodeAlive2 builds an ALIVE2_REQ body registering info.
func EncodeAlive2(info NodeInfo) []byte {
	buf := []byte{EPMDAlive2Req}
	buf = binary.BigEndian.AppendUint16(buf, info.Port)
	buf = append(buf, info.NodeType, info.Protocol)
	buf = binary.BigEndian.AppendUint16(buf, info.HighVersion)
	buf = binary.BigEndian.AppendUint16(buf, info.LowVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(info.Name)))
	buf = append(buf, info.Name...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(info.Extra)))
	return append(buf, info.Extra...)
}

// DecodeAlive2 parses an ALIVE2_REQ body.
func DecodeAlive2(body []byte) (NodeInfo, error) {
	if len(body) < 13 || body[0] != EPMDAlive2Req {
		return NodeInfo{}, fmt.Errorf("%w: alive2 request", ErrBadEPMDResponse)
	}
	info := NodeInfo{
		Port:        binary.BigEndian.Uint16(body[1:3]),
		NodeType:    body[3],
		Protocol:    body[4],
		HighVersion: binary.BigEndian.Uint16(body[5:7]),
		LowVersion:  binary.BigEndian.Uint16(body[7:9]),
	}
	n := int(binary.BigEndian.Uint16(body[9:11]))
	if len(body) < 11+n+2 {
		return NodeInfo{}, fmt.Errorf("%w: alive2 name", ErrBadEPMDResponse)
	}
	info.Name = string(body[11 : 11+n])
	e := int(binary.BigEndian.Uint16(body[11+n : 13+n]))
	if len(body) != 13+n+e {
		return NodeInfo{}, fmt.Errorf("%w: alive2 extra", ErrBadEPMDResponse)
	}
	info.Extra = append([]byte(nil), body[13+n:]...)
	return info, nil
}

// WriteAlive2Response writes an ALIVE2_X_RESP.
func WriteAlive2Response(w io.Writer, ok bool, creation uint32) error {
	result := byte(0)
	if !ok {
		result = 1
	}
	buf := []byte{EPMDAlive2XResp, result}
	buf = binary.BigEndian.AppendUint32(buf, creation)
	_, err := w.Write(buf)
	return err
}

// ReadAlive2Response reads either ALIVE2_RESP or ALIVE2_X_RESP and returns
// the creation EPMD assigned.
func ReadAlive2Response(r io.Reader) (uint32, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return 0, err
	}
	if head[1] != 0 {
		return 0, fmt.Errorf("%w: alive2 result %d", ErrHandshakeRefused, head[1])
	}
	switch head[0] {
	case EPMDAlive2XResp:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint32(buf), nil
	case EPMDAlive2Resp:
		buf := make([]byte, 2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, err
		}
		return uint32(binary.BigEndian.Uint16(buf)), nil
	default:
		return 0, fmt.Errorf("%w: tag %d", ErrBadEPMDResponse, head[0])
	}
}
