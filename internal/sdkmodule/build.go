package sdkmodule

import (
	"encoding/json"
	"fmt"
)

// wasmHeader is the magic number and version 1.
var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Build assembles an SDK module for network: an exported init function
// returning 1 and the network defaults in the config custom section.
func Build(network Network) ([]byte, error) {
	cfg, err := json.Marshal(network)
	if err != nil {
		return nil, fmt.Errorf("encode network config:\n%w", err)
	}

	return assemble(cfg, InitExport, 1), nil
}

// assemble emits a minimal module with one () -> i32 function exported
// as export, returning initResult, followed by the config section.
func assemble(cfg []byte, export string, initResult byte) []byte {
	out := append([]byte(nil), wasmHeader...)

	// type section: one func type () -> i32
	out = appendSection(out, 0x01, []byte{0x01, 0x60, 0x00, 0x01, 0x7f})

	// function section: one function of type 0
	out = appendSection(out, 0x03, []byte{0x01, 0x00})

	// export section: export function 0 under the given name
	exp := []byte{0x01}
	exp = appendName(exp, export)
	exp = append(exp, 0x00, 0x00)
	out = appendSection(out, 0x07, exp)

	// code section: body = no locals, i32.const initResult, end
	body := []byte{0x00, 0x41, initResult & 0x3f, 0x0b}
	code := []byte{0x01}
	code = appendULEB(code, uint32(len(body)))
	code = append(code, body...)
	out = appendSection(out, 0x0a, code)

	if cfg != nil {
		custom := appendName(nil, ConfigSection)
		custom = append(custom, cfg...)
		out = appendSection(out, 0x00, custom)
	}

	return out
}

// appendSection appends id, the LEB128 size and content.
func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = appendULEB(out, uint32(len(content)))
	return append(out, content...)
}

// appendName appends a length-prefixed UTF-8 name.
func appendName(out []byte, name string) []byte {
	out = appendULEB(out, uint32(len(name)))
	return append(out, name...)
}

// appendULEB appends v in unsigned LEB128.
func appendULEB(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
