//go:build linux

package inject

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
)

// uinput ioctls and event codes from linux/uinput.h and
// linux/input-event-codes.h. x/sys/unix does not carry these.
const (
	uiSetEvBit   = 0x40045564 // UI_SET_EVBIT
	uiSetKeyBit  = 0x40045565 // UI_SET_KEYBIT
	uiDevCreate  = 0x5501     // UI_DEV_CREATE
	uiDevDestroy = 0x5502     // UI_DEV_DESTROY

	evSyn     = 0x00
	evKey     = 0x01
	synReport = 0

	keyLeftShift = 42
)

// interKeyDelay paces synthetic key events so applications with their own
// input queues do not drop characters.
const interKeyDelay = 2 * time.Millisecond

// deviceSettle is how long the compositor needs to pick up a freshly
// created input device before events from it are delivered.
const deviceSettle = 200 * time.Millisecond

type inputID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// uinputUserDev is the legacy setup block written to the uinput fd before
// UI_DEV_CREATE. The legacy path works on every kernel that has uinput.
type uinputUserDev struct {
	Name      [80]byte
	ID        inputID
	FFEffects uint32
	AbsMax    [64]int32
	AbsMin    [64]int32
	AbsFuzz   [64]int32
	AbsFlat   [64]int32
}

type inputEvent struct {
	Time  unix.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

type keyStroke struct {
	code  uint16
	shift bool
}

// usQwertyMap maps runes to kernel key codes under a US QWERTY layout.
// The layout assumption is why this strategy ranks last for every target
// class.
var usQwertyMap = buildQwertyMap()

func buildQwertyMap() map[rune]keyStroke {
	m := make(map[rune]keyStroke, 96)
	letters := map[rune]uint16{
		'q': 16, 'w': 17, 'e': 18, 'r': 19, 't': 20, 'y': 21, 'u': 22,
		'i': 23, 'o': 24, 'p': 25, 'a': 30, 's': 31, 'd': 32, 'f': 33,
		'g': 34, 'h': 35, 'j': 36, 'k': 37, 'l': 38, 'z': 44, 'x': 45,
		'c': 46, 'v': 47, 'b': 48, 'n': 49, 'm': 50,
	}
	for r, code := range letters {
		m[r] = keyStroke{code: code}
		m[r-'a'+'A'] = keyStroke{code: code, shift: true}
	}
	digits := "1234567890"
	shifted := "!@#$%^&*()"
	for i, r := range digits {
		code := uint16(2 + i)
		m[r] = keyStroke{code: code}
		m[rune(shifted[i])] = keyStroke{code: code, shift: true}
	}
	pairs := []struct {
		plain, shift rune
		code         uint16
	}{
		{'-', '_', 12}, {'=', '+', 13}, {'[', '{', 26}, {']', '}', 27},
		{';', ':', 39}, {'\'', '"', 40}, {'`', '~', 41}, {'\\', '|', 43},
		{',', '<', 51}, {'.', '>', 52}, {'/', '?', 53},
	}
	for _, p := range pairs {
		m[p.plain] = keyStroke{code: p.code}
		m[p.shift] = keyStroke{code: p.code, shift: true}
	}
	m[' '] = keyStroke{code: 57}
	m['\n'] = keyStroke{code: 28}
	m['\t'] = keyStroke{code: 15}
	return m
}

// VirtualDeviceStrategy types through a synthetic keyboard created via
// /dev/uinput. It needs no display server at all, but only speaks US
// QWERTY and needs write access to the uinput device node.
type VirtualDeviceStrategy struct {
	devicePath string
	logger     *slog.Logger

	mu sync.Mutex
	fd int
}

func NewVirtualDeviceStrategy(devicePath string, logger *slog.Logger) *VirtualDeviceStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &VirtualDeviceStrategy{
		devicePath: devicePath,
		logger:     logger.With(slog.String("component", "inject.uinput")),
		fd:         -1,
	}
}

func (s *VirtualDeviceStrategy) ID() string { return StrategyVirtualDevice }

func (s *VirtualDeviceStrategy) Available() bool {
	return unix.Access(s.devicePath, unix.W_OK) == nil
}

func (s *VirtualDeviceStrategy) CanEncode(text string) bool {
	for _, r := range text {
		if _, ok := usQwertyMap[r]; !ok {
			return false
		}
	}
	return true
}

func (s *VirtualDeviceStrategy) Attempt(ctx context.Context, text string, _ apptarget.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDeviceLocked(ctx); err != nil {
		return fmt.Errorf("inject: uinput: %w", err)
	}
	for _, r := range text {
		if err := ctx.Err(); err != nil {
			return err
		}
		stroke, ok := usQwertyMap[r]
		if !ok {
			return fmt.Errorf("%w: no key mapping for %q", ErrUnsupported, r)
		}
		if err := s.typeStrokeLocked(stroke); err != nil {
			return fmt.Errorf("inject: uinput: %w", err)
		}
		if err := sleepCtx(ctx, interKeyDelay); err != nil {
			return err
		}
	}
	return nil
}

// Close destroys the virtual device if one was created.
func (s *VirtualDeviceStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return nil
	}
	unix.IoctlSetInt(s.fd, uiDevDestroy, 0)
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// ensureDeviceLocked creates the virtual keyboard on first use and keeps
// it for the life of the strategy; device creation is too slow to do per
// commit.
func (s *VirtualDeviceStrategy) ensureDeviceLocked(ctx context.Context) error {
	if s.fd >= 0 {
		return nil
	}
	fd, err := unix.Open(s.devicePath, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.devicePath, err)
	}
	if err := unix.IoctlSetInt(fd, uiSetEvBit, evKey); err != nil {
		unix.Close(fd)
		return fmt.Errorf("enable key events: %w", err)
	}
	codes := map[uint16]struct{}{keyLeftShift: {}}
	for _, stroke := range usQwertyMap {
		codes[stroke.code] = struct{}{}
	}
	for code := range codes {
		if err := unix.IoctlSetInt(fd, uiSetKeyBit, int(code)); err != nil {
			unix.Close(fd)
			return fmt.Errorf("enable key %d: %w", code, err)
		}
	}

	var setup uinputUserDev
	copy(setup.Name[:], "scrive dictation keyboard")
	setup.ID = inputID{BusType: 0x03, Vendor: 0x1d6b, Product: 0x0104, Version: 1}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&setup)), unsafe.Sizeof(setup))
	if _, err := unix.Write(fd, buf); err != nil {
		unix.Close(fd)
		return fmt.Errorf("write device setup: %w", err)
	}
	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		unix.Close(fd)
		return fmt.Errorf("create device: %w", err)
	}
	s.fd = fd
	s.logger.Debug("virtual keyboard created", slog.String("device", s.devicePath))
	return sleepCtx(ctx, deviceSettle)
}

func (s *VirtualDeviceStrategy) typeStrokeLocked(stroke keyStroke) error {
	if stroke.shift {
		if err := s.emitLocked(evKey, keyLeftShift, 1); err != nil {
			return err
		}
	}
	if err := s.emitLocked(evKey, stroke.code, 1); err != nil {
		return err
	}
	if err := s.emitLocked(evKey, stroke.code, 0); err != nil {
		return err
	}
	if stroke.shift {
		if err := s.emitLocked(evKey, keyLeftShift, 0); err != nil {
			return err
		}
	}
	return s.emitLocked(evSyn, synReport, 0)
}

func (s *VirtualDeviceStrategy) emitLocked(evType, code uint16, value int32) error {
	ev := inputEvent{Type: evType, Code: code, Value: value}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&ev)), unsafe.Sizeof(ev))
	if _, err := unix.Write(s.fd, buf); err != nil {
		return fmt.Errorf("emit event: %w", err)
	}
	return nil
}
