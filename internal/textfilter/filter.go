// Package textfilter runs committed text through user-supplied WASM
// modules before injection. Filters rewrite text (punctuation, snippet
// expansion, redaction); they never gate delivery, so a broken filter
// degrades to passthrough instead of blocking the commit stream.
package textfilter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/scrivelabs/scrive-core/internal/config"
)

// Host function result codes returned by host_emit.
const (
	EmitOK         = 0
	EmitErrRuntime = 1
)

// invokeTimeout bounds one filter invocation. A filter that loops forever
// must not stall the injection worker.
const invokeTimeout = 2 * time.Second

// Module is one loaded filter. The wasm bytes are read once at chain
// construction; each invocation compiles into a fresh runtime so filters
// never share state between commits.
type module struct {
	name       string
	entrypoint string
	wasm       []byte
}

// Chain applies the configured filters in declaration order. Each filter
// receives the running text through its environment and emits the
// replacement through the host_emit host function; a filter that emits
// nothing passes the text through unchanged.
type Chain struct {
	modules []module
	logger  *slog.Logger
}

// NewChain loads and verifies the configured filter modules. Returns nil
// when filtering is disabled. Every module must compile and export its
// entrypoint; failing fast here beats failing on the first commit.
func NewChain(ctx context.Context, cfg config.FiltersConfig, logger *slog.Logger) (*Chain, error) {
	if !cfg.Enabled || len(cfg.Modules) == 0 {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger.With(slog.String("component", "textfilter"))}
	for _, m := range cfg.Modules {
		wasm, err := os.ReadFile(m.Module)
		if err != nil {
			return nil, fmt.Errorf("textfilter: read module %s: %w", m.Name, err)
		}
		if err := Probe(ctx, wasm, m.Entrypoint); err != nil {
			return nil, fmt.Errorf("textfilter: module %s: %w", m.Name, err)
		}
		c.modules = append(c.modules, module{name: m.Name, entrypoint: m.Entrypoint, wasm: wasm})
	}
	c.logger.Info("text filters loaded", slog.Int("count", len(c.modules)))
	return c, nil
}

// Probe compiles wasm bytes and checks the entrypoint export without
// instantiating. Shared with the filter validation command.
func Probe(ctx context.Context, wasm []byte, entrypoint string) error {
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("compile module: %w", err)
	}
	defer compiled.Close(ctx)
	if _, ok := compiled.ExportedFunctions()[entrypoint]; !ok {
		return fmt.Errorf("entrypoint %q not exported", entrypoint)
	}
	return nil
}

// Len reports the number of loaded filters.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.modules)
}

// Apply runs text through every filter in order. Per-filter failures log
// and pass the current text through; the returned error is non-nil only
// when the surrounding context is done.
func (c *Chain) Apply(ctx context.Context, sessionID, text string) (string, error) {
	if c == nil {
		return text, nil
	}
	for _, m := range c.modules {
		if err := ctx.Err(); err != nil {
			return text, err
		}
		out, emitted, err := c.invoke(ctx, m, sessionID, text)
		if err != nil {
			c.logger.Warn("filter failed, passing text through",
				slog.String("filter", m.name),
				slog.String("error", err.Error()))
			continue
		}
		if emitted {
			text = out
		}
	}
	return text, nil
}

// invoke executes one filter against the current text. The filter reads
// its input from the environment and writes its output through host_emit;
// when it emits more than once the last emit wins.
func (c *Chain) invoke(ctx context.Context, m module, sessionID, text string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	invocationID := uuid.NewString()
	filterLogger := c.logger.With(
		slog.String("filter", m.name),
		slog.String("invocation_id", invocationID),
	)

	var emitted string
	var didEmit bool
	if err := c.instantiateHostModule(ctx, rt, filterLogger, &emitted, &didEmit); err != nil {
		return "", false, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return "", false, fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, m.wasm)
	if err != nil {
		return "", false, fmt.Errorf("compile module: %w", err)
	}
	moduleConfig := wazero.NewModuleConfig().
		WithEnv("SCRIVE_TEXT_INPUT", text).
		WithEnv("SCRIVE_FILTER_NAME", m.name).
		WithEnv("SCRIVE_SESSION_ID", sessionID).
		WithEnv("SCRIVE_INVOCATION_ID", invocationID)
	instance, err := rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		compiled.Close(ctx)
		return "", false, fmt.Errorf("instantiate module: %w", err)
	}
	defer instance.Close(ctx)

	entry := instance.ExportedFunction(m.entrypoint)
	if entry == nil {
		return "", false, fmt.Errorf("entrypoint %q not found", m.entrypoint)
	}
	if _, err := entry.Call(ctx); err != nil {
		return "", false, fmt.Errorf("invoke filter: %w", err)
	}
	return emitted, didEmit, nil
}

func (c *Chain) instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger, emitted *string, didEmit *bool) error {
	builder := rt.NewHostModuleBuilder("env")

	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if len(stack) < 2 {
			return
		}
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory",
				slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		logger.Info("filter log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	hostEmitFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if len(stack) < 2 {
			return
		}
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		mem := mod.Memory()
		if mem == nil {
			stack[0] = api.EncodeI32(int32(EmitErrRuntime))
			return
		}
		var data []byte
		if length > 0 {
			read, ok := mem.Read(ptr, length)
			if !ok {
				stack[0] = api.EncodeI32(int32(EmitErrRuntime))
				return
			}
			data = append([]byte(nil), read...)
		}
		*emitted = string(data)
		*didEmit = true
		stack[0] = api.EncodeI32(int32(EmitOK))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostEmitFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("host_emit").
		WithResultNames("code").
		Export("host_emit")

	_, err := builder.Instantiate(ctx)
	return err
}
