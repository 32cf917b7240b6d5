package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// scriptedCaller returns the scripted results in order, then repeats the last one.
type scriptedCaller struct {
	calls   atomic.Int32
	results []func() (*types.OracleResponse, error)
}

func (s *scriptedCaller) Name() string { return "scripted" }

func (s *scriptedCaller) Call(_ context.Context, _ string) (*types.OracleResponse, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.results) {
		n = len(s.results) - 1
	}
	return s.results[n]()
}

func failing(msg string) func() (*types.OracleResponse, error) {
	return func() (*types.OracleResponse, error) { return nil, errors.New(msg) }
}

func answer(scratch, mapping string) func() (*types.OracleResponse, error) {
	return func() (*types.OracleResponse, error) {
		return &types.OracleResponse{Scratchpad: scratch, Mapping: json.RawMessage(mapping)}, nil
	}
}

func testRequest() Request {
	return Request{
		ObjectiveID:  "LO-1",
		Row:          2,
		Substandards: []string{"S1", "S2"},
		KeyPhrases:   []string{"k1", "k2"},
	}
}

func TestClassify_AlwaysFailing(t *testing.T) {
	caller := &scriptedCaller{results: []func() (*types.OracleResponse, error){failing("boom")}}
	client := NewClient(caller, WithMaxRetries(5), WithRetryDelay(time.Millisecond))

	resp, attempts, err := client.Classify(context.Background(), testRequest())
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 5, attempts)
	assert.Equal(t, int32(5), caller.calls.Load(), "exactly max_retries calls")
}

func TestClassify_SuccessFirstTry(t *testing.T) {
	caller := &scriptedCaller{results: []func() (*types.OracleResponse, error){
		answer("thinking", `{"S1":["k1"],"S2":["k2"]}`),
	}}
	client := NewClient(caller, WithMaxRetries(5), WithRetryDelay(time.Millisecond))

	resp, attempts, err := client.Classify(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int32(1), caller.calls.Load())
	assert.Equal(t, "thinking", resp.Scratchpad)
	assert.JSONEq(t, `{"S1":["k1"],"S2":["k2"]}`, string(resp.Mapping))
}

func TestClassify_MissingToolBlockIsRetried(t *testing.T) {
	caller := &scriptedCaller{results: []func() (*types.OracleResponse, error){
		func() (*types.OracleResponse, error) { return nil, ErrNoStructuredOutput },
		failing("503"),
		answer("ok", `{"S1":[]}`),
	}}

	var retries []int
	req := testRequest()
	req.OnRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	client := NewClient(caller, WithMaxRetries(5), WithRetryDelay(time.Millisecond))
	resp, attempts, err := client.Classify(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestClassify_NoRetryHookAfterLastAttempt(t *testing.T) {
	caller := &scriptedCaller{results: []func() (*types.OracleResponse, error){failing("down")}}

	var hooks int
	req := testRequest()
	req.OnRetry = func(int, error) { hooks++ }

	client := NewClient(caller, WithMaxRetries(3), WithRetryDelay(time.Millisecond))
	_, attempts, err := client.Classify(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, hooks)
}

func TestClassify_SingleAttempt(t *testing.T) {
	caller := &scriptedCaller{results: []func() (*types.OracleResponse, error){failing("nope")}}
	client := NewClient(caller, WithMaxRetries(1), WithRetryDelay(time.Millisecond))

	_, attempts, err := client.Classify(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, attempts)
}

func TestClassify_ContextCancelledDuringDelay(t *testing.T) {
	caller := &scriptedCaller{results: []func() (*types.OracleResponse, error){failing("slow")}}
	client := NewClient(caller, WithMaxRetries(5), WithRetryDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, attempts, err := client.Classify(ctx, testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, attempts)
}

// hangingCaller blocks until its context ends.
type hangingCaller struct{ calls atomic.Int32 }

func (h *hangingCaller) Name() string { return "hanging" }

func (h *hangingCaller) Call(ctx context.Context, _ string) (*types.OracleResponse, error) {
	h.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestClassify_AttemptTimeoutIsRetried(t *testing.T) {
	caller := &hangingCaller{}
	client := NewClient(caller,
		WithMaxRetries(3),
		WithRetryDelay(time.Millisecond),
		WithAttemptTimeout(10*time.Millisecond))

	_, attempts, err := client.Classify(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int32(3), caller.calls.Load())
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(&scriptedCaller{}, WithMaxRetries(0), WithRetryDelay(0))
	assert.Equal(t, 5, client.MaxRetries())
	assert.Equal(t, 2*time.Second, client.delay)
}

func TestBuildPrompt(t *testing.T) {
	prompt, err := BuildPrompt([]string{"Uses <b>tags</b>", "S2"}, nil)
	require.NoError(t, err)

	assert.Contains(t, prompt, "<substandards>\n[\"Uses <b>tags</b>\",\"S2\"]\n</substandards>")
	assert.Contains(t, prompt, "<key_phrases>\n[]\n</key_phrases>")
	assert.NotContains(t, prompt, "{SUBSTANDARDS}")
	assert.NotContains(t, prompt, "{KEY_PHRASES}")
}

func TestDecodeToolInput(t *testing.T) {
	t.Run("string scratchpad", func(t *testing.T) {
		resp, err := decodeToolInput([]byte(`{"scratchpad":"s","substandards":{"A":["x"]}}`))
		require.NoError(t, err)
		assert.Equal(t, "s", resp.Scratchpad)
		assert.JSONEq(t, `{"A":["x"]}`, string(resp.Mapping))
	})

	t.Run("non-string scratchpad kept as text", func(t *testing.T) {
		resp, err := decodeToolInput([]byte(`{"scratchpad":{"note":1},"substandards":{}}`))
		require.NoError(t, err)
		assert.Equal(t, `{"note":1}`, resp.Scratchpad)
	})

	t.Run("missing mapping", func(t *testing.T) {
		resp, err := decodeToolInput([]byte(`{"scratchpad":"only thoughts"}`))
		require.NoError(t, err)
		assert.Nil(t, resp.Mapping)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := decodeToolInput([]byte(`"text"`))
		assert.Error(t, err)
	})
}
