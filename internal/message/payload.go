package message

import (
	"fmt"
)

// PayloadKind is the wire discriminator for the outermost tagged union.
type PayloadKind uint8

const (
	KindData PayloadKind = iota
	KindCommand
	KindAck
	KindRoute
	KindDiscovery
)

func (k PayloadKind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindCommand:
		return "Command"
	case KindAck:
		return "Ack"
	case KindRoute:
		return "Route"
	case KindDiscovery:
		return "Discovery"
	default:
		return fmt.Sprintf("PayloadKind(%d)", uint8(k))
	}
}

// MaxDataBytes bounds Data payload bodies so a framed Message fits in the
// 70-byte air budget from spec.md §3/§6.
const MaxDataBytes = 56

// Payload is the closed set of message bodies a Message may carry. There is
// intentionally no way to add a variant outside this file: every case is
// modeled as a concrete struct with a Kind() that returns one of the
// PayloadKind constants above, never by interface-based open extension.
type Payload interface {
	Kind() PayloadKind
	encodeBody() ([]byte, error)
}

// --- Data ---------------------------------------------------------------

// DataForm distinguishes the two Data sub-variants on the wire.
type DataForm uint8

const (
	DataText DataForm = iota
	DataBinary
)

// DataPayload carries an application payload, either as UTF-8 text or an
// opaque byte blob, capped at MaxDataBytes.
type DataPayload struct {
	Form DataForm
	Text string
	Blob []byte
}

func (DataPayload) Kind() PayloadKind { return KindData }

func (d DataPayload) encodeBody() ([]byte, error) {
	var raw []byte
	switch d.Form {
	case DataText:
		raw = []byte(d.Text)
	case DataBinary:
		raw = d.Blob
	default:
		return nil, fmt.Errorf("message: unknown data form %d", d.Form)
	}
	if len(raw) > MaxDataBytes {
		return nil, fmt.Errorf("message: data payload of %d bytes exceeds %d byte limit", len(raw), MaxDataBytes)
	}
	out := make([]byte, 0, len(raw)+2)
	out = append(out, byte(d.Form), byte(len(raw)))
	out = append(out, raw...)
	return out, nil
}

func decodeDataBody(body []byte) (Payload, error) {
	if len(body) < 2 {
		return nil, errMalformed
	}
	form := DataForm(body[0])
	n := int(body[1])
	if len(body) < 2+n {
		return nil, errMalformed
	}
	raw := body[2 : 2+n]
	switch form {
	case DataText:
		return DataPayload{Form: DataText, Text: string(raw)}, nil
	case DataBinary:
		blob := make([]byte, n)
		copy(blob, raw)
		return DataPayload{Form: DataBinary, Blob: blob}, nil
	default:
		return nil, errMalformed
	}
}

// --- Command --------------------------------------------------------------

// CommandPayload is an opaque application command: a code plus a short
// argument blob, interpreted above the engine.
type CommandPayload struct {
	Code uint8
	Args []byte
}

func (CommandPayload) Kind() PayloadKind { return KindCommand }

func (c CommandPayload) encodeBody() ([]byte, error) {
	if len(c.Args) > MaxDataBytes {
		return nil, fmt.Errorf("message: command args of %d bytes exceeds %d byte limit", len(c.Args), MaxDataBytes)
	}
	out := make([]byte, 0, len(c.Args)+2)
	out = append(out, c.Code, byte(len(c.Args)))
	out = append(out, c.Args...)
	return out, nil
}

func decodeCommandBody(body []byte) (Payload, error) {
	if len(body) < 2 {
		return nil, errMalformed
	}
	n := int(body[1])
	if len(body) < 2+n {
		return nil, errMalformed
	}
	args := make([]byte, n)
	copy(args, body[2:2+n])
	return CommandPayload{Code: body[0], Args: args}, nil
}

// --- Ack --------------------------------------------------------------

// AckForm distinguishes the three Ack sub-variants.
type AckForm uint8

const (
	AckSuccess AckForm = iota
	AckFailure
	AckDiscoveredForm
)

// AckPayload is the response family: a plain Success/Failure keyed by the
// acknowledged message id, or an AckDiscovered carrying the accumulated hop
// count and last forwarding hop for a route-discovery round trip.
type AckPayload struct {
	Form AckForm

	// Success / Failure
	MessageID uint32

	// AckDiscovered
	Hops    uint8
	LastHop Uid
}

func (AckPayload) Kind() PayloadKind { return KindAck }

func (a AckPayload) encodeBody() ([]byte, error) {
	switch a.Form {
	case AckSuccess, AckFailure:
		out := make([]byte, 5)
		out[0] = byte(a.Form)
		putUint32LE(out[1:5], a.MessageID)
		return out, nil
	case AckDiscoveredForm:
		return []byte{byte(a.Form), a.Hops, byte(a.LastHop)}, nil
	default:
		return nil, fmt.Errorf("message: unknown ack form %d", a.Form)
	}
}

func decodeAckBody(body []byte) (Payload, error) {
	if len(body) < 1 {
		return nil, errMalformed
	}
	switch AckForm(body[0]) {
	case AckSuccess, AckFailure:
		if len(body) < 5 {
			return nil, errMalformed
		}
		return AckPayload{Form: AckForm(body[0]), MessageID: uint32LE(body[1:5])}, nil
	case AckDiscoveredForm:
		if len(body) < 3 {
			return nil, errMalformed
		}
		return AckPayload{Form: AckDiscoveredForm, Hops: body[1], LastHop: Uid(body[2])}, nil
	default:
		return nil, errMalformed
	}
}

// --- Route (reserved, §4.5 step 3: no-op in this revision) ---------------

// RouteForm distinguishes the reserved Route sub-variants.
type RouteForm uint8

const (
	RouteRequest RouteForm = iota
	RouteResponse
	RouteError
)

// RoutePayload is reserved wire format for a future routing-protocol
// extension; the engine decodes it but takes no action on receipt.
type RoutePayload struct {
	Form RouteForm
}

func (RoutePayload) Kind() PayloadKind { return KindRoute }

func (r RoutePayload) encodeBody() ([]byte, error) {
	return []byte{byte(r.Form)}, nil
}

func decodeRouteBody(body []byte) (Payload, error) {
	if len(body) < 1 {
		return nil, errMalformed
	}
	return RoutePayload{Form: RouteForm(body[0])}, nil
}

// --- Discovery --------------------------------------------------------------

// DiscoveryPayload solicits an AckDiscovered response from every node that
// receives it before its ttl is exhausted.
type DiscoveryPayload struct {
	OriginalTTL  uint8
	Capabilities uint8
}

func (DiscoveryPayload) Kind() PayloadKind { return KindDiscovery }

func (d DiscoveryPayload) encodeBody() ([]byte, error) {
	return []byte{d.OriginalTTL, d.Capabilities}, nil
}

func decodeDiscoveryBody(body []byte) (Payload, error) {
	if len(body) < 2 {
		return nil, errMalformed
	}
	return DiscoveryPayload{OriginalTTL: body[0], Capabilities: body[1]}, nil
}

func decodePayload(kind PayloadKind, body []byte) (Payload, error) {
	switch kind {
	case KindData:
		return decodeDataBody(body)
	case KindCommand:
		return decodeCommandBody(body)
	case KindAck:
		return decodeAckBody(body)
	case KindRoute:
		return decodeRouteBody(body)
	case KindDiscovery:
		return decodeDiscoveryBody(body)
	default:
		return nil, errMalformed
	}
}
