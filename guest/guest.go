//go:build wasm

// Package guest is the in-module half of the sandbox interface. Application
// code built for wasm imports it to read the inbound request and produce a
// response through the host's "env" module.
//
// A minimal handler:
//
//	//go:wasmexport handle
//	func handle() {
//		req, err := guest.ReadRequest()
//		if err != nil {
//			guest.SetStatus(400)
//			return
//		}
//		guest.SetHeader("Content-Type", "text/plain")
//		guest.WriteString("hello from " + req.Path)
//	}
package guest

import (
	"encoding/json"
	"unsafe"
)

//go:wasmimport env request_len
func requestLen() uint32

//go:wasmimport env request_read
func requestRead(ptr uint32) uint32

//go:wasmimport env response_status
func responseStatus(code uint32)

//go:wasmimport env response_header
func responseHeader(keyPtr, keyLen, valPtr, valLen uint32)

//go:wasmimport env response_write
func responseWrite(ptr, length uint32)

//go:wasmimport env log_write
func logWrite(ptr, length uint32)

// Request mirrors what the host marshals for each invocation.
type Request struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Params  []string            `json:"params,omitempty"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// ReadRequest fetches and decodes the inbound request.
func ReadRequest() (*Request, error) {
	n := requestLen()
	if n == 0 {
		return &Request{}, nil
	}
	buf := make([]byte, n)
	requestRead(uint32(uintptr(unsafe.Pointer(&buf[0]))))
	var req Request
	if err := json.Unmarshal(buf, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// SetStatus sets the response status code. Defaults to 200 if never called.
func SetStatus(code int) {
	responseStatus(uint32(code))
}

// SetHeader sets one response header.
func SetHeader(key, value string) {
	responseHeader(strPtr(key), uint32(len(key)), strPtr(value), uint32(len(value)))
}

// Write appends bytes to the response body.
func Write(data []byte) {
	if len(data) == 0 {
		return
	}
	responseWrite(uint32(uintptr(unsafe.Pointer(&data[0]))), uint32(len(data)))
}

// WriteString appends a string to the response body.
func WriteString(s string) {
	Write([]byte(s))
}

// WriteJSON encodes v and appends it to the response body.
func WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	Write(data)
	return nil
}

// Log emits one line into the server's log, tagged with the instance.
func Log(msg string) {
	if msg == "" {
		return
	}
	logWrite(strPtr(msg), uint32(len(msg)))
}

func strPtr(s string) uint32 {
	return uint32(uintptr(unsafe.Pointer(unsafe.StringData(s))))
}
