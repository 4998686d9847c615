//go:build tinygo || wasm

package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/scrivelabs/scrive-core/filters/examples/internal/host"
)

// Digit runs of eight or more are replaced before the text reaches the
// target application. A card or phone number read aloud by accident should
// not land in a chat box.

const (
	placeholder = "[redacted]"
	minRun      = 8
)

//export run
func run() {
	text := os.Getenv("SCRIVE_TEXT_INPUT")
	if text == "" {
		return
	}
	out, hits := redact(text)
	if hits == 0 {
		return
	}
	host.Log("redacted " + strconv.Itoa(hits) + " digit runs")
	host.Emit(out)
}

// redact collapses each long digit run, including runs broken up by spaces
// or dashes the way numbers are usually dictated.
func redact(text string) (string, int) {
	var b strings.Builder
	hits := 0
	i := 0
	for i < len(text) {
		if !isDigit(text[i]) {
			b.WriteByte(text[i])
			i++
			continue
		}
		j := i
		digits := 0
		for j < len(text) {
			if isDigit(text[j]) {
				digits++
				j++
				continue
			}
			if (text[j] == ' ' || text[j] == '-') && j+1 < len(text) && isDigit(text[j+1]) {
				j++
				continue
			}
			break
		}
		if digits >= minRun {
			b.WriteString(placeholder)
			hits++
		} else {
			b.WriteString(text[i:j])
		}
		i = j
	}
	return b.String(), hits
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func main() {}
