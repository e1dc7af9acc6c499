package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// The host module is the entire surface module code can observe. Everything
// is marshaled through it explicitly:
//
//	request_len() -> u32              length of the request payload (JSON)
//	request_read(ptr) -> u32          copy the payload into guest memory
//	response_status(code)             set the response status (default 200)
//	response_header(kp, kl, vp, vl)   set one response header
//	response_write(ptr, len)          append response body bytes
//	log_write(ptr, len)               emit one log line, tagged per instance
//
// Per-invocation state travels on the call context, never on the module, so
// one compiled program can serve many concurrent instances.

type invocationKey struct{}

type invocation struct {
	req     []byte
	status  uint32
	headers map[string]string
	body    []byte
	inst    *Instance
}

func withInvocation(ctx context.Context, inv *invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

func currentInvocation(ctx context.Context) *invocation {
	inv, _ := ctx.Value(invocationKey{}).(*invocation)
	return inv
}

func readGuestBytes(ctx context.Context, m api.Module, offset, byteCount uint32) []byte {
	buf, ok := m.Memory().Read(offset, byteCount)
	if !ok {
		guestFault(ctx, fmt.Sprintf("guest memory read (%d, %d) out of range", offset, byteCount))
	}
	return buf
}

// guestFault logs the bad pointer against the instance and panics. Panicking
// in a host function aborts the call as a trap, which is exactly the contract
// for a module handing us a bad pointer.
func guestFault(ctx context.Context, msg string) {
	if inv := currentInvocation(ctx); inv != nil {
		inv.inst.logger.Error().Str("origin", "module").Msg(msg)
	}
	panic("sandbox: " + msg)
}

func hostRequestLen(ctx context.Context, _ api.Module) uint32 {
	inv := currentInvocation(ctx)
	if inv == nil {
		return 0
	}
	return uint32(len(inv.req))
}

func hostRequestRead(ctx context.Context, m api.Module, ptr uint32) uint32 {
	inv := currentInvocation(ctx)
	if inv == nil {
		return 0
	}
	if !m.Memory().Write(ptr, inv.req) {
		guestFault(ctx, fmt.Sprintf("guest memory write (%d, %d) out of range", ptr, len(inv.req)))
	}
	return uint32(len(inv.req))
}

func hostResponseStatus(ctx context.Context, _ api.Module, code uint32) {
	if inv := currentInvocation(ctx); inv != nil {
		inv.status = code
	}
}

func hostResponseHeader(ctx context.Context, m api.Module, kPtr, kLen, vPtr, vLen uint32) {
	inv := currentInvocation(ctx)
	if inv == nil {
		return
	}
	key := string(readGuestBytes(ctx, m, kPtr, kLen))
	value := string(readGuestBytes(ctx, m, vPtr, vLen))
	inv.headers[key] = value
}

func hostResponseWrite(ctx context.Context, m api.Module, ptr, byteCount uint32) {
	inv := currentInvocation(ctx)
	if inv == nil {
		return
	}
	inv.body = append(inv.body, readGuestBytes(ctx, m, ptr, byteCount)...)
}

func hostLogWrite(ctx context.Context, m api.Module, ptr, byteCount uint32) {
	inv := currentInvocation(ctx)
	if inv == nil {
		return
	}
	inv.inst.logger.Info().Str("origin", "module").Msg(string(readGuestBytes(ctx, m, ptr, byteCount)))
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(hostRequestLen).Export("request_len").
		NewFunctionBuilder().WithFunc(hostRequestRead).Export("request_read").
		NewFunctionBuilder().WithFunc(hostResponseStatus).Export("response_status").
		NewFunctionBuilder().WithFunc(hostResponseHeader).Export("response_header").
		NewFunctionBuilder().WithFunc(hostResponseWrite).Export("response_write").
		NewFunctionBuilder().WithFunc(hostLogWrite).Export("log_write").
		Instantiate(ctx)
	return err
}
