//go:build tinygo || wasm

package main

import (
	"os"
	"strings"

	"github.com/scrivelabs/scrive-core/filters/examples/internal/host"
)

// Spoken punctuation becomes the symbol it names, attached to the word
// before it: "hello comma world" turns into "hello, world".

var singles = map[string]string{
	"comma":     ",",
	"period":    ".",
	"colon":     ":",
	"semicolon": ";",
}

var pairs = map[string]string{
	"full stop":        ".",
	"question mark":    "?",
	"exclamation mark": "!",
	"new line":         "\n",
	"new paragraph":    "\n\n",
}

//export run
func run() {
	text := os.Getenv("SCRIVE_TEXT_INPUT")
	if text == "" {
		return
	}
	out, changed := rewrite(text)
	if !changed {
		return
	}
	host.Log("spoken punctuation rewritten")
	host.Emit(out)
}

func rewrite(text string) (string, bool) {
	words := strings.Fields(text)
	out := ""
	sep := ""
	changed := false
	i := 0
	for i < len(words) {
		lower := strings.ToLower(words[i])
		mark := ""
		if i+1 < len(words) {
			if m, ok := pairs[lower+" "+strings.ToLower(words[i+1])]; ok {
				mark = m
				i += 2
			}
		}
		if mark == "" {
			if m, ok := singles[lower]; ok {
				mark = m
				i++
			}
		}
		if mark != "" {
			out += mark
			sep = " "
			if strings.HasSuffix(mark, "\n") {
				sep = ""
			}
			changed = true
			continue
		}
		out += sep + words[i]
		sep = " "
		i++
	}
	return out, changed
}

func main() {}
