package scripted

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbridge/internal/engine"
)

func TestFromText(t *testing.T) {
	assert.Equal(t, []string{"the", " tide", " returns"}, FromText("the tide returns").Tokens)
	assert.Equal(t, []string{"a", " ", " b"}, FromText("a  b").Tokens)
	assert.Empty(t, FromText("").Tokens)
}

// run drives one full decode the way the bridge does and returns the
// decoded fragments.
func run(t *testing.T, e *Engine, prompt string, max int) ([]string, error) {
	t.Helper()
	m, err := e.NewModel("/m")
	require.NoError(t, err)
	defer m.Close()
	tok, err := e.NewTokenizer(m)
	require.NoError(t, err)
	defer tok.Close()

	seq, err := tok.Encode(prompt)
	require.NoError(t, err)
	defer seq.Close()
	st, err := tok.CreateStream()
	require.NoError(t, err)
	defer st.Close()
	p, err := e.NewGeneratorParams(m)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.SetSearchOption(engine.OptionMaxLength, float64(max)))
	g, err := e.NewGenerator(m, p)
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.AppendTokenSequences(seq))

	var out []string
	for !g.IsDone() {
		if err := g.GenerateNextToken(); err != nil {
			return out, err
		}
		ids := g.Sequence(0)
		frag, err := st.Decode(ids[len(ids)-1])
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
	return out, nil
}

func TestDecodeHoldsPartialRunes(t *testing.T) {
	e := New(Script{Tokens: []string{"ok", "\xe2\x82", "\xac"}, HoldPartialRunes: true})
	out, err := run(t, e, "", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "", "\u20ac"}, out)

	st := &stream{resource: e.newResource("stream")}
	defer st.Close()
	assert.Equal(t, "x", st.hold("x\xe2"))
	tail, err := st.Flush()
	require.NoError(t, err)
	assert.Equal(t, "\xe2", tail)
	tail, err = st.Flush()
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestDecodeReplaysScript(t *testing.T) {
	e := New(FromText("salt wind"))
	out, err := run(t, e, "hi", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"salt", " wind"}, out)
	assert.Equal(t, []string{"hi"}, e.Prompts())
	assert.Equal(t, 2, e.Steps())
	assert.Zero(t, e.Live(), "every resource closed")
	v, ok := e.SearchOption(engine.OptionMaxLength)
	assert.True(t, ok)
	assert.Equal(t, 100.0, v)
}

func TestMaxLengthCountsPrompt(t *testing.T) {
	e := New(Script{Tokens: []string{"x"}, Repeat: true})
	out, err := run(t, e, "abc", 5)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestFailAtStep(t *testing.T) {
	boom := errors.New("boom")
	e := New(Script{Tokens: []string{"a", "b", "c"}, FailAtStep: 2, StepErr: boom})
	out, err := run(t, e, "", 100)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, out)
	assert.Zero(t, e.Live())
}

func TestStageFailureAndPanic(t *testing.T) {
	e := New(Script{Fail: map[Stage]error{StageTokenizer: errors.New("no vocab")}})
	m, err := e.NewModel("/m")
	require.NoError(t, err)
	_, err = e.NewTokenizer(m)
	assert.EqualError(t, err, "no vocab")
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")
	assert.Equal(t, []string{"new:model", "close:model"}, e.Events())

	p := New(Script{Panic: StageModel})
	assert.Panics(t, func() { _, _ = p.NewModel("/m") })
}

func TestProviderEvents(t *testing.T) {
	e := New(Script{})
	cfg, err := e.NewConfig("/m")
	require.NoError(t, err)
	require.NoError(t, cfg.ClearProviders())
	require.NoError(t, cfg.AppendProvider("cuda"))
	require.NoError(t, cfg.SetProviderOption("cuda", "device_id", "0"))
	m, err := e.NewModelFromConfig(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, cfg.Close())
	assert.Equal(t, []string{
		"new:config", "provider:cuda", "option:cuda:device_id=0",
		"new:model", "close:model", "close:config",
	}, e.Events())
}
