package suggest

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/model"
)

type fakeProvider struct {
	calls   int32
	replies []string
	errs    []error
	lastReq Request
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, req Request) (string, error) {
	n := int(atomic.AddInt32(&f.calls, 1)) - 1
	f.lastReq = req
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	if n < len(f.replies) {
		return f.replies[n], nil
	}
	return f.replies[len(f.replies)-1], nil
}

func newTestGenerator(p Provider) *Generator {
	g := NewGenerator(config.AIConfig{TopRegions: 2, MaxTokens: 512}, nil, nil)
	g.newProvider = func(config.ModelConfig) (Provider, error) { return p, nil }
	return g
}

func regions(n int) []model.DiffRegion {
	out := make([]model.DiffRegion, n)
	for i := range out {
		out[i] = model.DiffRegion{
			ID:          i,
			BoundingBox: model.BoundingBox{X: i * 10, Y: i * 10, Width: 5, Height: 5},
			PixelCount:  25,
			Score:       float64(90 - i*10),
		}
	}
	return out
}

const validReply = "```json\n" + `[
  {"priority":"high","type":"color","selector":".btn","currentCSS":"color:#000","suggestedCSS":"color:#fff","description":"按钮文字颜色","regionId":0},
  {"priority":"urgent","type":"color","selector":".x","suggestedCSS":"color:red"},
  {"priority":"low","type":"spacing","selector":"","suggestedCSS":"margin:0"},
  {"priority":"Medium","type":"spacing","selector":".card","suggested_css":"padding:8px"}
]` + "\n```"

func TestSuggestFixes_DiscardsMalformedEntries(t *testing.T) {
	p := &fakeProvider{replies: []string{validReply}}
	g := newTestGenerator(p)

	fixes, err := g.SuggestFixes(context.Background(), []byte("d"), []byte("a"), regions(2), config.ModelConfig{Name: "m"})

	require.NoError(t, err)
	require.Len(t, fixes, 2)
	assert.Equal(t, ".btn", fixes[0].Selector)
	assert.Equal(t, "color:#fff", fixes[0].SuggestedCSS)
	require.NotNil(t, fixes[0].RegionID)
	assert.Equal(t, 0, *fixes[0].RegionID)
	assert.Equal(t, "medium", fixes[1].Priority)
	assert.Equal(t, "padding:8px", fixes[1].SuggestedCSS)
	assert.Nil(t, fixes[1].RegionID)
}

func TestSuggestFixes_OnlyTopRegionsSent(t *testing.T) {
	p := &fakeProvider{replies: []string{validReply}}
	g := newTestGenerator(p)

	_, err := g.SuggestFixes(context.Background(), nil, nil, regions(5), config.ModelConfig{Name: "m"})

	require.NoError(t, err)
	require.Len(t, p.lastReq.Regions, 2)
	assert.Equal(t, 0, p.lastReq.Regions[0].ID)
	assert.Equal(t, 1, p.lastReq.Regions[1].ID)
	assert.Contains(t, p.lastReq.Prompt, "区域 1")
	assert.NotContains(t, p.lastReq.Prompt, "区域 2")
}

func TestSuggestFixes_UnparseableIsSoft(t *testing.T) {
	p := &fakeProvider{replies: []string{"抱歉，我无法判断。"}}
	g := newTestGenerator(p)

	fixes, err := g.SuggestFixes(context.Background(), nil, nil, regions(2), config.ModelConfig{Name: "m"})

	require.Error(t, err)
	assert.True(t, IsSoft(err))
	assert.NotNil(t, fixes)
	assert.Empty(t, fixes)
	// 解析失败不重试
	assert.Equal(t, int32(1), p.calls)
}

func TestSuggestFixes_AllInvalidIsSoft(t *testing.T) {
	p := &fakeProvider{replies: []string{`[{"priority":"high"}]`}}
	g := newTestGenerator(p)

	_, err := g.SuggestFixes(context.Background(), nil, nil, regions(1), config.ModelConfig{Name: "m"})

	assert.True(t, IsSoft(err))
}

func TestSuggestFixes_NoRegionsSkipsProvider(t *testing.T) {
	p := &fakeProvider{replies: []string{validReply}}
	g := newTestGenerator(p)

	fixes, err := g.SuggestFixes(context.Background(), nil, nil, nil, config.ModelConfig{Name: "m"})

	require.NoError(t, err)
	assert.Empty(t, fixes)
	assert.Equal(t, int32(0), p.calls)
}

func TestSuggestFixes_RetriesTransportErrorOnce(t *testing.T) {
	p := &fakeProvider{
		errs:    []error{&ProviderError{Provider: "fake", Err: errors.New("connection reset")}},
		replies: []string{validReply},
	}
	g := newTestGenerator(p)

	fixes, err := g.SuggestFixes(context.Background(), nil, nil, regions(1), config.ModelConfig{Name: "m"})

	require.NoError(t, err)
	assert.Len(t, fixes, 2)
	assert.Equal(t, int32(2), p.calls)
}

// stallingProvider 前 stalls 次调用一直阻塞到 ctx 结束
type stallingProvider struct {
	calls  int32
	stalls int32
}

func (s *stallingProvider) Name() string { return "stalling" }

func (s *stallingProvider) Complete(ctx context.Context, _ Request) (string, error) {
	if atomic.AddInt32(&s.calls, 1) <= s.stalls {
		<-ctx.Done()
		return "", &ProviderError{Provider: "stalling", Err: ctx.Err()}
	}
	return validReply, nil
}

func TestSuggestFixes_RetriesAttemptTimeoutOnce(t *testing.T) {
	p := &stallingProvider{stalls: 1}
	g := NewGenerator(config.AIConfig{TopRegions: 2, MaxTokens: 512, Timeout: 50 * time.Millisecond}, nil, nil)
	g.newProvider = func(config.ModelConfig) (Provider, error) { return p, nil }

	fixes, err := g.SuggestFixes(context.Background(), nil, nil, regions(1), config.ModelConfig{Name: "m"})

	require.NoError(t, err)
	assert.Len(t, fixes, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.calls))
}

func TestSuggestFixes_ParentDeadlineNotRetried(t *testing.T) {
	p := &stallingProvider{stalls: 2}
	g := NewGenerator(config.AIConfig{TopRegions: 2, MaxTokens: 512, Timeout: time.Second}, nil, nil)
	g.newProvider = func(config.ModelConfig) (Provider, error) { return p, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.SuggestFixes(ctx, nil, nil, regions(1), config.ModelConfig{Name: "m"})

	var aiErr *AIError
	require.ErrorAs(t, err, &aiErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.calls))
}

func TestSuggestFixes_AuthFailureIsHard(t *testing.T) {
	p := &fakeProvider{
		errs: []error{&ProviderError{Provider: "fake", StatusCode: http.StatusUnauthorized, Err: errors.New("invalid x-api-key")}},
	}
	g := newTestGenerator(p)

	_, err := g.SuggestFixes(context.Background(), nil, nil, regions(1), config.ModelConfig{Name: "m"})

	var aiErr *AIError
	require.ErrorAs(t, err, &aiErr)
	assert.False(t, aiErr.Soft)
	assert.Equal(t, "fake", aiErr.Provider)
	assert.Equal(t, int32(1), p.calls)
}

func TestSuggestFixes_UnknownProvider(t *testing.T) {
	g := NewGenerator(config.AIConfig{}, nil, nil)

	_, err := g.SuggestFixes(context.Background(), nil, nil, regions(1), config.ModelConfig{Name: "m", APIProvider: "nope"})

	var aiErr *AIError
	require.ErrorAs(t, err, &aiErr)
	assert.False(t, aiErr.Soft)
}

func TestParseFixes_WrappedObject(t *testing.T) {
	fixes, dropped, err := parseFixes(`结果如下：{"fixes":[{"priority":"critical","type":"layout","selector":"#nav","suggestedCSS":"display:flex"}]}`)

	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	require.Len(t, fixes, 1)
	assert.Equal(t, model.FixLayout, fixes[0].Type)
}

func TestParseFixes_NoJSON(t *testing.T) {
	_, _, err := parseFixes("no json here")
	assert.ErrorIs(t, err, errUnparseable)
}

func TestTransient(t *testing.T) {
	assert.True(t, transient(&ProviderError{Err: errors.New("eof")}))
	assert.True(t, transient(&ProviderError{StatusCode: 429}))
	assert.True(t, transient(&ProviderError{StatusCode: 503}))
	assert.False(t, transient(&ProviderError{StatusCode: 401}))
	assert.False(t, transient(&ProviderError{StatusCode: 400}))
	assert.False(t, transient(context.Canceled))
	assert.False(t, transient(&ProviderError{Err: context.DeadlineExceeded}))
	assert.True(t, transient(&attemptTimeout{err: &ProviderError{Err: context.DeadlineExceeded}}))
}

func TestStatusFromMessage(t *testing.T) {
	assert.Equal(t, 401, statusFromMessage("API returned unexpected status code: 401: invalid key"))
	assert.Equal(t, 0, statusFromMessage("dial tcp: timeout"))
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.ModelConfig{Name: "claude", APIProvider: ProviderAnthropic, APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, p.Name())

	p, err = NewProvider(config.ModelConfig{Name: "gpt-4o", APIProvider: ProviderOpenAI, APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, p.Name())

	_, err = NewProvider(config.ModelConfig{Name: "x", APIProvider: "other"})
	assert.Error(t, err)
}
