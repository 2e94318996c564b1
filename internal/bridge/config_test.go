package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbridge/internal/engine/scripted"
)

func TestBoundsValidate(t *testing.T) {
	assert.NoError(t, Bounds{MinLength: 0, MaxLength: 1}.Validate())
	assert.NoError(t, Bounds{MinLength: 50, MaxLength: 50}.Validate())
	assert.Error(t, Bounds{MinLength: -1, MaxLength: 10}.Validate())
	assert.Error(t, Bounds{MinLength: 0, MaxLength: 0}.Validate())
	assert.Error(t, Bounds{MinLength: 20, MaxLength: 10}.Validate())
}

func TestFormatPrompt(t *testing.T) {
	assert.Equal(t, "<|user|>hi<|end|><|assistant|>", formatPrompt(DefaultPromptTemplate, "hi"))
	assert.Equal(t, "system: hi", formatPrompt("system: ", "hi"))
	assert.Equal(t, "hi hi", formatPrompt("{prompt} {prompt}", "hi"))
}

func TestResolveModelPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "m"), 0o755))

	p, ok := Options{ModelPath: "m"}.ResolveModelPath(root)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "m"), p)

	p, ok = Options{ModelPath: filepath.Join(root, "m")}.ResolveModelPath("/elsewhere")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "m"), p)

	_, ok = Options{ModelPath: "nope"}.ResolveModelPath(root)
	assert.False(t, ok)

	p, ok = Options{ModelPath: "  "}.ResolveModelPath(root)
	assert.False(t, ok)
	assert.Empty(t, p)
}

func TestConfigDefaults(t *testing.T) {
	h := newHarness(t, scripted.Script{})
	cfg, err := h.cfg.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, Bounds{MinLength: DefaultMinLength, MaxLength: DefaultMaxLength}, cfg.Bounds)
	assert.Equal(t, DefaultPromptTemplate, cfg.PromptTemplate)
	assert.NotNil(t, cfg.Tracer)

	noBg := h.cfg
	noBg.Background = nil
	_, err = noBg.withDefaults()
	assert.Error(t, err)
}

func TestFragmentQueue(t *testing.T) {
	var q fragmentQueue
	_, ok := q.pop()
	assert.False(t, ok)

	for i := range 200 {
		q.push(fmt.Sprint(i))
	}
	for i := range 150 {
		s, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, fmt.Sprint(i), s)
	}
	assert.Equal(t, 50, q.len())
	q.push("tail")
	for i := 150; i < 200; i++ {
		s, _ := q.pop()
		require.Equal(t, fmt.Sprint(i), s)
	}
	s, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "tail", s)
	assert.Equal(t, 0, q.len())
}
