package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"apistudio/internal/domain"
)

// hostEnv holds the dependencies reachable from guest imports.
type hostEnv struct {
	caps   domain.Capabilities
	logger *slog.Logger
	result []byte // last report written by the guest
}

type hostHTTPRequest struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   string `json:"body,omitempty"`
}

type hostHTTPResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

// registerHostFunctions compiles the studio_v1 host module.
func registerHostFunctions(ctx context.Context, rt wazero.Runtime, env *hostEnv) (wazero.CompiledModule, error) {
	builder := rt.NewHostModuleBuilder(hostModule)

	// log(level, ptr, len)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			level := int32(stack[0])
			msg, err := readGuestString(mod, uint32(stack[1]), uint32(stack[2]))
			if err != nil {
				env.logger.Error("wasm log: read failed", "error", err)
				return
			}
			switch {
			case level <= 0:
				env.logger.Debug(msg)
			case level == 1:
				env.logger.Info(msg)
			case level == 2:
				env.logger.Warn(msg)
			default:
				env.logger.Error(msg)
			}
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("log")

	// http_call(req_ptr, req_len) → (resp_ptr, resp_len)
	// The request goes through the same scoped door as source harnesses, so
	// the base-URL restriction and key signing hold for wasm guests too.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			respond := func(resp hostHTTPResponse) {
				data, _ := json.Marshal(resp)
				ptr, size, err := writeGuestBytes(mod, data)
				if err != nil {
					env.logger.Error("wasm http_call: write response failed", "error", err)
					stack[0], stack[1] = 0, 0
					return
				}
				stack[0], stack[1] = uint64(ptr), uint64(size)
			}

			raw, err := readGuestBytes(mod, uint32(stack[0]), uint32(stack[1]))
			if err != nil {
				respond(hostHTTPResponse{Error: fmt.Sprintf("read request: %v", err)})
				return
			}
			var req hostHTTPRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				respond(hostHTTPResponse{Error: fmt.Sprintf("decode request: %v", err)})
				return
			}

			var body []byte
			if req.Body != "" {
				body = []byte(req.Body)
			}
			status, respBody, err := env.caps.HTTP.Do(ctx, req.Method, req.Path, body)
			if err != nil {
				respond(hostHTTPResponse{Status: status, Error: err.Error()})
				return
			}
			respond(hostHTTPResponse{Status: status, Body: string(respBody)})
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
		Export("http_call")

	// result(ptr, len) — the guest's report channel.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			data, err := readGuestBytes(mod, uint32(stack[0]), uint32(stack[1]))
			if err != nil {
				env.logger.Error("wasm result: read failed", "error", err)
				return
			}
			env.result = data
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("result")

	return builder.Compile(ctx)
}

// --- guest memory helpers ---

func readGuestString(mod api.Module, ptr, size uint32) (string, error) {
	b, err := readGuestBytes(mod, ptr, size)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readGuestBytes(mod api.Module, ptr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("memory read out of bounds at ptr=%d len=%d", ptr, size)
	}
	out := make([]byte, size)
	copy(out, buf)
	return out, nil
}

// writeGuestBytes allocates guest memory through the exported malloc and
// copies data in. Returns the pointer and length.
func writeGuestBytes(mod api.Module, data []byte) (uint32, uint32, error) {
	size := uint32(len(data))
	if size == 0 {
		return 0, 0, nil
	}

	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0, 0, fmt.Errorf("guest module does not export malloc")
	}
	results, err := malloc.Call(context.Background(), uint64(size))
	if err != nil {
		return 0, 0, fmt.Errorf("malloc(%d) failed: %w", size, err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, 0, fmt.Errorf("malloc returned no memory")
	}

	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("memory write out of bounds at ptr=%d len=%d", ptr, size)
	}
	return ptr, size, nil
}

func freeGuestBytes(mod api.Module, ptr, size uint32) {
	if ptr == 0 || size == 0 {
		return
	}
	free := mod.ExportedFunction("free")
	if free == nil {
		return
	}
	_, _ = free.Call(context.Background(), uint64(ptr), uint64(size))
}
