package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/qs3c/ui_diff_server/internal/pkg/queue"
)

type sliceSource struct {
	mu   sync.Mutex
	msgs []*queue.JobMessage
	errs int
}

func (s *sliceSource) Pop(ctx context.Context, _ time.Duration) (*queue.JobMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errs > 0 {
		s.errs--
		return nil, errors.New("redis down")
	}
	if len(s.msgs) == 0 {
		// 模拟 BRPOP 超时
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}
	msg := s.msgs[0]
	s.msgs = s.msgs[1:]
	return msg, nil
}

func TestDispatcher_RoutesByKind(t *testing.T) {
	source := &sliceSource{msgs: []*queue.JobMessage{
		{Kind: queue.KindReport, ID: "r1"},
		{Kind: queue.KindBatch, ID: "b1"},
		{Kind: "unknown", ID: "x"},
		{Kind: queue.KindReport, ID: "r2"},
	}}

	var mu sync.Mutex
	var seen []string
	record := func(prefix string) func(context.Context, string) error {
		return func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, prefix+id)
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	NewDispatcher(source, record("report:"), record("batch:"), 2, nil).Run(ctx)

	assert.ElementsMatch(t, []string{"report:r1", "batch:b1", "report:r2"}, seen)
}

func TestDispatcher_SurvivesPopErrors(t *testing.T) {
	source := &sliceSource{errs: 1, msgs: []*queue.JobMessage{{Kind: queue.KindReport, ID: "r1"}}}

	done := make(chan string, 1)
	reports := func(_ context.Context, id string) error {
		done <- id
		return errors.New("boom")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go NewDispatcher(source, reports, nil, 1, nil).Run(ctx)

	select {
	case id := <-done:
		assert.Equal(t, "r1", id)
	case <-time.After(3 * time.Second):
		t.Fatal("job was not dispatched after pop error")
	}
	cancel()
}
