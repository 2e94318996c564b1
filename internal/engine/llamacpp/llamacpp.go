// Package llamacpp adapts go-llama.cpp to the engine contract.
//
// The real engine is compiled only with the 'llama' build tag. Default builds
// get a stub whose New returns ErrUnavailable, which keeps CI CGO-free.
//
// go-llama.cpp generates through a blocking Predict call that reports each
// token piece to a callback. The generator runs Predict on its own goroutine
// and hands out one piece per GenerateNextToken. Pieces are interned into a
// per-model vocabulary so they can travel through the engine as token ids.
package llamacpp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// ErrUnavailable is returned by New in builds without the 'llama' tag.
var ErrUnavailable = errors.New("llamacpp: llama support not built (missing 'llama' build tag)")

// Options configure model loading and prediction.
type Options struct {
	ContextSize int
	Threads     int
	GPULayers   int
}

func (o Options) withDefaults() Options {
	if o.ContextSize <= 0 {
		o.ContextSize = 2048
	}
	if o.Threads <= 0 {
		o.Threads = 4
	}
	return o
}

// ModelExt is the weights file extension looked up in a model directory.
const ModelExt = ".gguf"

// findModelFile returns the first weights file in dir, by name.
func findModelFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ModelExt) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no %s file in %s", ModelExt, dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

// pieceBase is the first id handed to generated pieces. Prompt token ids from
// the llama tokenizer stay well below it.
const pieceBase int32 = 1 << 30

// vocab interns generated token pieces.
type vocab struct {
	mu     sync.Mutex
	ids    map[string]int32
	pieces []string
}

func newVocab() *vocab { return &vocab{ids: make(map[string]int32)} }

func (v *vocab) intern(piece string) int32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if id, ok := v.ids[piece]; ok {
		return id
	}
	id := pieceBase + int32(len(v.pieces))
	v.pieces = append(v.pieces, piece)
	v.ids[piece] = id
	return id
}

func (v *vocab) lookup(id int32) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := int(id - pieceBase)
	if id < pieceBase || i >= len(v.pieces) {
		return "", false
	}
	return v.pieces[i], true
}

// utf8Buffer holds back incomplete multi-byte sequences so every decoded
// fragment is valid UTF-8 on its own.
type utf8Buffer struct {
	buf []byte
}

// write appends piece and returns the longest complete prefix.
func (u *utf8Buffer) write(piece string) string {
	u.buf = append(u.buf, piece...)
	valid := 0
	for i := 0; i < len(u.buf); {
		r, size := utf8.DecodeRune(u.buf[i:])
		if r == utf8.RuneError && size == 1 {
			if !utf8.FullRune(u.buf[i:]) {
				break
			}
			// Invalid byte, pass it through rather than stalling the stream.
			i++
			valid = i
			continue
		}
		i += size
		valid = i
	}
	if valid == 0 {
		return ""
	}
	out := string(u.buf[:valid])
	u.buf = append(u.buf[:0], u.buf[valid:]...)
	return out
}

// flush returns whatever is still buffered.
func (u *utf8Buffer) flush() string {
	out := string(u.buf)
	u.buf = u.buf[:0]
	return out
}
