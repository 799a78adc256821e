package p4rt

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// encodeUint returns the canonical P4Runtime bytestring of v: big-endian,
// without leading zero bytes, and a single zero byte for 0.
func encodeUint(v uint64) []byte {
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return trimLeadingZeros(buf[:])
}

func encodeAddr(addr netip.Addr) []byte {
	b := addr.As4()
	return trimLeadingZeros(b[:])
}

func trimLeadingZeros(b []byte) []byte {
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

// decodeUint decodes a big-endian bytestring of up to 64 significant bits.
func decodeUint(b []byte) (uint64, error) {
	b = trimLeadingZeros(b)
	if len(b) > 8 {
		return 0, fmt.Errorf("bytestring of %d bytes overflows uint64", len(b))
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// dataValue extracts an integer from register data. Targets with several
// pipes return one value per pipe as a tuple; the values are OR-ed so a
// flag set in any pipe counts.
func dataValue(d *p4v1.P4Data) (uint64, error) {
	switch v := d.GetData().(type) {
	case *p4v1.P4Data_Bitstring:
		return decodeUint(v.Bitstring)
	case *p4v1.P4Data_Tuple:
		var out uint64
		for _, m := range v.Tuple.GetMembers() {
			x, err := dataValue(m)
			if err != nil {
				return 0, err
			}
			out |= x
		}
		return out, nil
	default:
		return 0, fmt.Errorf("unsupported register data %T", v)
	}
}

func bitstring(v uint64) *p4v1.P4Data {
	return &p4v1.P4Data{Data: &p4v1.P4Data_Bitstring{Bitstring: encodeUint(v)}}
}

// classify maps gRPC and P4Runtime write errors onto the dataplane error
// taxonomy. Batched writes report per-update errors as p4.v1.Error
// details of an UNKNOWN status.
func classify(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	code := st.Code()
	if code == codes.Unknown {
		for _, d := range st.Details() {
			if pe, ok := d.(*p4v1.Error); ok && pe.GetCanonicalCode() != int32(codes.OK) {
				code = codes.Code(pe.GetCanonicalCode())
				break
			}
		}
	}
	switch code {
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", dataplane.ErrAlreadyExists, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %w", dataplane.ErrTransient, err)
	}
	return err
}

var (
	errNoEntity = errors.New("switch returned no entity")
	errConflict = errors.New("conflicting entry already programmed")
)
