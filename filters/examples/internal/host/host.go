//go:build tinygo || wasm

package host

import "unsafe"

// Log forwards text to the daemon via the imported host_log function.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Emit hands rewritten text back to the daemon. The last emitted string
// wins; a filter that never emits passes its input through unchanged.
func Emit(text string) bool {
	b := []byte(text)
	var ptr unsafe.Pointer
	if len(b) > 0 {
		ptr = unsafe.Pointer(&b[0])
	}
	code := hostEmit(ptr, uint32(len(b)))
	return code == 0
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env host_emit
func hostEmit(ptr unsafe.Pointer, length uint32) uint32
