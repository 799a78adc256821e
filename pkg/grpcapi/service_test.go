package grpcapi

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

var rpcLine = regexp.MustCompile(`rpc (\w+)\(([\w.]+)\) returns \((stream )?([\w.]+)\)`)

// TestServiceDescMatchesProto keeps the hand-written descriptor in step
// with the checked-in schema.
func TestServiceDescMatchesProto(t *testing.T) {
	src, err := os.ReadFile(filepath.Join("..", "..", "proto", serviceDesc.Metadata))
	if err != nil {
		t.Fatal(err)
	}

	type rpc struct{ req, resp string }
	unary := map[string]rpc{}
	streams := map[string]rpc{}
	for _, m := range rpcLine.FindAllStringSubmatch(string(src), -1) {
		r := rpc{req: m[2], resp: m[4]}
		if m[3] != "" {
			streams[m[1]] = r
		} else {
			unary[m[1]] = r
		}
	}

	wantUnary := map[string]rpc{
		"GetStatus":           {"google.protobuf.Empty", "google.protobuf.Struct"},
		"GetInactivePrefixes": {"google.protobuf.StringValue", "google.protobuf.Struct"},
		"GetAddress":          {"google.protobuf.StringValue", "google.protobuf.Struct"},
		"GetRates":            {"google.protobuf.Empty", "google.protobuf.Struct"},
		"GetEvents":           {"google.protobuf.Struct", "google.protobuf.Struct"},
	}
	if len(serviceDesc.Methods) != len(unary) {
		t.Errorf("descriptor has %d unary methods, schema has %d", len(serviceDesc.Methods), len(unary))
	}
	for _, m := range serviceDesc.Methods {
		got, ok := unary[m.MethodName]
		if !ok {
			t.Errorf("%s missing from schema", m.MethodName)
			continue
		}
		if got != wantUnary[m.MethodName] {
			t.Errorf("%s schema = %+v, want %+v", m.MethodName, got, wantUnary[m.MethodName])
		}
	}

	if len(serviceDesc.Streams) != len(streams) {
		t.Errorf("descriptor has %d streams, schema has %d", len(serviceDesc.Streams), len(streams))
	}
	for _, sd := range serviceDesc.Streams {
		got, ok := streams[sd.StreamName]
		if !ok || !sd.ServerStreams || sd.ClientStreams {
			t.Errorf("stream %s: schema %+v, server=%v client=%v", sd.StreamName, got, sd.ServerStreams, sd.ClientStreams)
			continue
		}
		if got != (rpc{"google.protobuf.Struct", "google.protobuf.Struct"}) {
			t.Errorf("%s schema = %+v", sd.StreamName, got)
		}
	}

	if !regexp.MustCompile(`package telescope\.v1;`).Match(src) ||
		!regexp.MustCompile(`service Telescope \{`).Match(src) {
		t.Errorf("schema does not declare %s", ServiceName)
	}
}
