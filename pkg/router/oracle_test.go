package router

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMessages struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
	}
}

func TestAnthropicRankOne(t *testing.T) {
	stub := &stubMessages{resp: textMessage(`{"id":"a1"}`)}
	o := NewAnthropicOracleWithClient(stub, "claude-3-5-haiku-latest")

	id, err := o.RankOne(context.Background(), "review the login flow", []Candidate{
		{ID: "a1", Name: "review-agent"},
		{ID: "a2", Name: "test-agent"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", id)

	assert.Equal(t, sdk.Model("claude-3-5-haiku-latest"), stub.lastParams.Model)
	require.Len(t, stub.lastParams.Messages, 1)
	require.Len(t, stub.lastParams.System, 1)
	assert.Contains(t, stub.lastParams.System[0].Text, "JSON only")
}

func TestAnthropicRankOneNullAnswer(t *testing.T) {
	stub := &stubMessages{resp: textMessage(`{"id":null}`)}
	o := NewAnthropicOracleWithClient(stub, "m")

	id, err := o.RankOne(context.Background(), "task", []Candidate{{ID: "a1"}})
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestAnthropicRankOneStripsCodeFence(t *testing.T) {
	stub := &stubMessages{resp: textMessage("```json\n{\"id\": \"a2\"}\n```")}
	o := NewAnthropicOracleWithClient(stub, "m")

	id, err := o.RankOne(context.Background(), "task", []Candidate{{ID: "a2"}})
	require.NoError(t, err)
	assert.Equal(t, "a2", id)
}

func TestAnthropicRankAll(t *testing.T) {
	stub := &stubMessages{resp: textMessage(`{"ids":["a2","a1"]}`)}
	o := NewAnthropicOracleWithClient(stub, "m")

	ids, err := o.RankAll(context.Background(), "task", []Candidate{{ID: "a1"}, {ID: "a2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a1"}, ids)
}

func TestAnthropicRankAllEmpty(t *testing.T) {
	stub := &stubMessages{resp: textMessage(`{"ids":[]}`)}
	o := NewAnthropicOracleWithClient(stub, "m")

	ids, err := o.RankAll(context.Background(), "task", []Candidate{{ID: "a1"}})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAnthropicTransportError(t *testing.T) {
	apiErr := errors.New("overloaded")
	o := NewAnthropicOracleWithClient(&stubMessages{err: apiErr}, "m")

	_, err := o.RankOne(context.Background(), "task", []Candidate{{ID: "a1"}})
	assert.ErrorIs(t, err, apiErr)
}

func TestAnthropicGarbageAnswer(t *testing.T) {
	o := NewAnthropicOracleWithClient(&stubMessages{resp: textMessage("sure, use agent a1!")}, "m")

	_, err := o.RankOne(context.Background(), "task", []Candidate{{ID: "a1"}})
	assert.Error(t, err)
}

func TestKeywordRankOne(t *testing.T) {
	o := NewKeywordOracle()
	candidates := []Candidate{
		{ID: "a1", Name: "review-agent", Description: "reviews requirements for clarity"},
		{ID: "a2", Name: "test-agent", Description: "executes automated test cases", Skills: []string{"testing"}},
	}

	id, err := o.RankOne(context.Background(), "execute the regression test suite", candidates)
	require.NoError(t, err)
	assert.Equal(t, "a2", id)
}

func TestKeywordRankOneNoOverlap(t *testing.T) {
	o := NewKeywordOracle()

	id, err := o.RankOne(context.Background(), "xyzzy", []Candidate{
		{ID: "a1", Name: "review-agent", Description: "reviews requirements"},
	})
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestKeywordRankAllOrdersByScore(t *testing.T) {
	o := NewKeywordOracle()
	candidates := []Candidate{
		{ID: "a1", Name: "helper", Description: "generates test data"},
		{ID: "a2", Name: "runner", Description: "executes test cases and reports test results", Skills: []string{"test execution"}},
	}

	ids, err := o.RankAll(context.Background(), "execute test cases", candidates)
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	assert.Equal(t, "a2", ids[0])
}

func TestKeywordPrefixMatching(t *testing.T) {
	// "testing" and "tests" share the >=4 char prefix "test".
	o := NewKeywordOracle()

	id, err := o.RankOne(context.Background(), "run the tests", []Candidate{
		{ID: "a1", Name: "agent", Skills: []string{"testing"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", id)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"id":"x"}`, string(extractJSON("prefix {\"id\":\"x\"} suffix")))
	assert.Equal(t, `{"id":"x"}`, string(extractJSON(`{"id":"x"}`)))
	assert.Equal(t, "no json here", string(extractJSON("no json here")))
}
