package inject

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/godbus/dbus/v5"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
)

// AT-SPI2 wire names. The accessibility tree lives on its own bus whose
// address is published by org.a11y.Bus on the session bus.
const (
	a11yBusName       = "org.a11y.Bus"
	a11yBusPath       = "/org/a11y/bus"
	a11yGetAddress    = "org.a11y.Bus.GetAddress"
	atspiRegistryName = "org.a11y.atspi.Registry"
	atspiRootPath     = "/org/a11y/atspi/accessible/root"
	atspiAccessible   = "org.a11y.atspi.Accessible"
	atspiText         = "org.a11y.atspi.Text"
	atspiEditableText = "org.a11y.atspi.EditableText"
	propertiesGet     = "org.freedesktop.DBus.Properties.Get"
)

// AT-SPI state constants, indices into the two-word state bitset.
const (
	atspiStateEditable = 7
	atspiStateFocused  = 12
)

// Tree walk bounds. Accessibility trees of large applications run to tens
// of thousands of nodes; the focused editable is almost always shallow.
const (
	walkMaxNodes = 512
	walkMaxDepth = 12
)

const availRecheck = 30 * time.Second

// accessibleRef is an AT-SPI object reference, a (bus name, path) pair.
type accessibleRef struct {
	Name string
	Path dbus.ObjectPath
}

// AccessibilityStrategy inserts text through the AT-SPI2 accessibility
// tree: find the focused accessible, require its EditableText interface,
// and insert at the caret. No synthetic input events are involved, which
// makes it the only strategy that works without keyboard focus semantics.
type AccessibilityStrategy struct {
	logger *slog.Logger

	mu           sync.Mutex
	conn         *dbus.Conn
	availOK      bool
	availChecked time.Time
}

func NewAccessibilityStrategy(logger *slog.Logger) *AccessibilityStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessibilityStrategy{
		logger: logger.With(slog.String("component", "inject.accessibility")),
	}
}

func (s *AccessibilityStrategy) ID() string { return StrategyAccessibility }

// Available probes the accessibility bus, caching the answer briefly so a
// host without AT-SPI is not probed on every commit.
func (s *AccessibilityStrategy) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.availChecked) < availRecheck {
		return s.availOK
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := a11yBusAddress(ctx)
	s.availOK = err == nil
	s.availChecked = time.Now()
	return s.availOK
}

// CanEncode always holds: AT-SPI text is plain UTF-8.
func (s *AccessibilityStrategy) CanEncode(string) bool { return true }

func (s *AccessibilityStrategy) Attempt(ctx context.Context, text string, _ apptarget.Target) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("inject: accessibility: %w", err)
	}
	focused, err := findFocused(ctx, conn)
	if err != nil {
		return fmt.Errorf("inject: accessibility: %w", err)
	}
	if err := insertAtCaret(ctx, conn, focused, text); err != nil {
		return fmt.Errorf("inject: accessibility: %w", err)
	}
	return nil
}

// Close drops the accessibility bus connection.
func (s *AccessibilityStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// connect returns the cached accessibility bus connection, dialing a fresh
// one when there is none or the old one died with the AT-SPI registry.
func (s *AccessibilityStrategy) connect(ctx context.Context) (*dbus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.Connected() {
		return s.conn, nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	addr, err := a11yBusAddress(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := dbus.Connect(addr)
	if err != nil {
		return nil, fmt.Errorf("connect accessibility bus: %w", err)
	}
	s.conn = conn
	return conn, nil
}

// a11yBusAddress asks the session bus where the accessibility bus lives.
func a11yBusAddress(ctx context.Context) (string, error) {
	session, err := dbus.SessionBus()
	if err != nil {
		return "", fmt.Errorf("session bus: %w", err)
	}
	var addr string
	obj := session.Object(a11yBusName, dbus.ObjectPath(a11yBusPath))
	if err := obj.CallWithContext(ctx, a11yGetAddress, 0).Store(&addr); err != nil {
		return "", fmt.Errorf("query accessibility bus address: %w", err)
	}
	if addr == "" {
		return "", fmt.Errorf("accessibility bus not running")
	}
	return addr, nil
}

// findFocused walks the accessibility tree breadth-first looking for the
// node with the FOCUSED state. Node and depth caps bound the walk; broken
// subtrees (applications exiting mid-walk) are skipped, not fatal.
func findFocused(ctx context.Context, conn *dbus.Conn) (accessibleRef, error) {
	root := accessibleRef{Name: atspiRegistryName, Path: atspiRootPath}
	type queued struct {
		ref   accessibleRef
		depth int
	}
	queue := []queued{{ref: root}}
	visited := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return accessibleRef{}, err
		}
		node := queue[0]
		queue = queue[1:]
		visited++
		if visited > walkMaxNodes {
			break
		}

		if node.depth > 0 {
			state, err := nodeState(ctx, conn, node.ref)
			if err != nil {
				continue
			}
			if stateSet(state, atspiStateFocused) {
				return node.ref, nil
			}
		}
		if node.depth >= walkMaxDepth {
			continue
		}
		children, err := nodeChildren(ctx, conn, node.ref)
		if err != nil {
			continue
		}
		for _, child := range children {
			queue = append(queue, queued{ref: child, depth: node.depth + 1})
		}
	}
	return accessibleRef{}, fmt.Errorf("no focused accessible found")
}

// insertAtCaret inserts text into a focused accessible through its
// EditableText interface, positioned at the caret when it is readable.
func insertAtCaret(ctx context.Context, conn *dbus.Conn, ref accessibleRef, text string) error {
	state, err := nodeState(ctx, conn, ref)
	if err != nil {
		return fmt.Errorf("read focused state: %w", err)
	}
	if !stateSet(state, atspiStateEditable) {
		return fmt.Errorf("focused element is not editable")
	}

	obj := conn.Object(ref.Name, ref.Path)
	offset := caretOffset(ctx, obj)

	var ok bool
	err = obj.CallWithContext(ctx, atspiEditableText+".InsertText", 0,
		offset, text, int32(utf8.RuneCountInString(text))).Store(&ok)
	if err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	if !ok {
		return fmt.Errorf("insert text rejected by application")
	}
	return nil
}

// caretOffset reads the caret position, falling back to the end of the
// current text, then to 0. AT-SPI offsets count characters, not bytes.
func caretOffset(ctx context.Context, obj dbus.BusObject) int32 {
	var v dbus.Variant
	if err := obj.CallWithContext(ctx, propertiesGet, 0, atspiText, "CaretOffset").Store(&v); err == nil {
		if offset, ok := v.Value().(int32); ok && offset >= 0 {
			return offset
		}
	}
	if err := obj.CallWithContext(ctx, propertiesGet, 0, atspiText, "CharacterCount").Store(&v); err == nil {
		if count, ok := v.Value().(int32); ok && count >= 0 {
			return count
		}
	}
	return 0
}

func nodeChildren(ctx context.Context, conn *dbus.Conn, ref accessibleRef) ([]accessibleRef, error) {
	var children []accessibleRef
	obj := conn.Object(ref.Name, ref.Path)
	if err := obj.CallWithContext(ctx, atspiAccessible+".GetChildren", 0).Store(&children); err != nil {
		return nil, err
	}
	return children, nil
}

func nodeState(ctx context.Context, conn *dbus.Conn, ref accessibleRef) ([]uint32, error) {
	var state []uint32
	obj := conn.Object(ref.Name, ref.Path)
	if err := obj.CallWithContext(ctx, atspiAccessible+".GetState", 0).Store(&state); err != nil {
		return nil, err
	}
	return state, nil
}

func stateSet(state []uint32, bit int) bool {
	word := bit / 32
	if word >= len(state) {
		return false
	}
	return state[word]&(1<<uint(bit%32)) != 0
}
